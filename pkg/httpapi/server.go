// Package httpapi is the external interface shell from spec.md §6: HTTP
// route mounting, WebSocket upgrade, auth middleware. It never contains
// domain logic itself, only translates requests into pkg/service calls.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/config"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/service"
	"github.com/pipedash/pipedash/pkg/vault"
)

// Server owns the chi router and every collaborator a route handler needs.
type Server struct {
	router      chi.Router
	providers   *service.ProviderService
	pipelines   *service.PipelineService
	vault       *vault.Vault
	session     *vault.Session
	bus         *eventbus.Bus
	logger      *zap.SugaredLogger
	configPath  string
	storageKind string
}

// NewServer builds the router and mounts every route group from spec.md §6.
func NewServer(
	providers *service.ProviderService,
	pipelines *service.PipelineService,
	v *vault.Vault,
	session *vault.Session,
	bus *eventbus.Bus,
	configPath, storageKind string,
	logger *zap.SugaredLogger,
) *Server {
	s := &Server{
		providers:   providers,
		pipelines:   pipelines,
		vault:       v,
		session:     session,
		bus:         bus,
		logger:      logger,
		configPath:  configPath,
		storageKind: storageKind,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/setup/status", s.handleSetupStatus)
		api.Post("/setup/config", s.handleSetupConfig)
		api.Get("/vault/status", s.handleVaultStatus)
		api.Post("/vault/unlock", s.handleVaultUnlock)
		api.Post("/vault/lock", s.handleVaultLock)
		api.Get("/ws", s.handleWebSocket)

		api.Group(func(protected chi.Router) {
			protected.Use(s.authMiddleware)

			protected.Get("/providers", s.handleListProviders)
			protected.Post("/providers", s.handleAddProvider)
			protected.Get("/providers/{id}", s.handleGetProvider)
			protected.Put("/providers/{id}", s.handleUpdateProvider)
			protected.Delete("/providers/{id}", s.handleRemoveProvider)

			protected.Get("/pipelines", s.handleListPipelines)
			protected.Get("/pipelines/cached", s.handleCachedPipelines)
			protected.Get("/pipelines/{id}/runs", s.handleRunHistory)
			protected.Get("/pipelines/{id}/runs/{runNumber}", s.handleRunDetails)
			protected.Post("/pipelines/{id}/trigger", s.handleTriggerPipeline)
			protected.Post("/pipelines/{id}/runs/{runNumber}/cancel", s.handleCancelRun)

			protected.Get("/cache/stats", s.handleCacheStats)
			protected.Delete("/cache", s.handleClearCache)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// ResolveConfigPath exposes config.ConfigPath so cmd/pipedash-server can
// resolve the same default the setup-status route reports.
func ResolveConfigPath(defaultPath string) string {
	return config.ConfigPath(defaultPath)
}
