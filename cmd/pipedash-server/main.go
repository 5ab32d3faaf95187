// Command pipedash-server runs the headless dashboard server: HTTP+WS API,
// adaptive refresh engine, and the vault/config/storage wiring they share.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/config"
	"github.com/pipedash/pipedash/pkg/driver"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/httpapi"
	"github.com/pipedash/pipedash/pkg/metrics"
	"github.com/pipedash/pipedash/pkg/refresh"
	"github.com/pipedash/pipedash/pkg/service"
	"github.com/pipedash/pipedash/pkg/storage"
	"github.com/pipedash/pipedash/pkg/storage/postgres"
	"github.com/pipedash/pipedash/pkg/storage/sqlite"
	"github.com/pipedash/pipedash/pkg/vault"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

const (
	requestsPerSecondPerProvider = 5
	defaultConfigFileName        = "pipedash.toml"
	pipelineCacheTTL             = 5 * time.Minute
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dev bool

	root := &cobra.Command{
		Use:   "pipedash-server",
		Short: "Unified CI/CD pipeline dashboard server",
	}
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use a development logger (console, debug level)")

	root.AddCommand(newServeCommand(&dev))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCommand(dev *bool) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *dev, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file (defaults to ./pipedash.toml)")
	return cmd
}

func buildLogger(dev bool) (*zap.SugaredLogger, error) {
	if dev {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runServe(parent context.Context, dev bool, configPathFlag string) error {
	logger, err := buildLogger(dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolvedPath := httpapi.ResolveConfigPath(configPathFlag)
	if resolvedPath == "" {
		resolvedPath = defaultConfigFileName
	}

	cfg, err := config.Load(resolvedPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = config.ApplyEnvOverrides(cfg)

	store, storageKind, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer store.Close() //nolint:errcheck

	bus := eventbus.New(logger)
	v := vault.New(store, logger)
	session := vault.NewSession()
	if password, source := session.Password(); source != vault.SourceNone {
		if err := v.Unlock(ctx, password); err != nil {
			logger.Warnw("vault auto-unlock failed", "source", source, "error", err)
		}
	}

	pipelineCache := cache.NewPipelineCache(pipelineCacheTTL)
	runHistory := cache.NewRunHistoryCache()
	params := cache.NewWorkflowParamsCache()

	httpFactory := driver.NewHTTPClientFactory(requestsPerSecondPerProvider)
	providerSvc := service.NewProviderService(store, v, httpFactory, bus, pipelineCache, params, logger)
	pipelineSvc := service.NewPipelineService(store, providerSvc, pipelineCache, runHistory, params, bus, logger)

	providerSvc.LoadDriversFromStore(ctx)

	// Restore each provider's persisted pipeline snapshot; the zero fetch
	// time keeps it stale until the first real fetch replaces it.
	if providers, err := store.ListProviders(ctx); err == nil {
		for _, p := range providers {
			if cached, err := store.GetCachedPipelines(ctx, p.ID); err == nil && len(cached) > 0 {
				pipelineCache.Seed(p.ID, cached, time.Time{})
			}
		}
	}

	if len(cfg.Providers) > 0 {
		result, err := config.SyncProviders(ctx, cfg, providerSvc, v, logger)
		if err != nil {
			logger.Errorw("config sync failed", "error", err)
		} else {
			logger.Infow("config sync complete", "added", result.Added, "updated", result.Updated, "removed", result.Removed)
		}
	}

	metricsHook := metrics.New(bus, logger)
	engine := refresh.New(pipelineSvc, runCacheInvalidator{pipelineSvc}, bus, metricsHook, logger).WithRecorder(metricsHook)
	engine.Start(ctx)
	defer engine.Stop()

	server := httpapi.NewServer(providerSvc, pipelineSvc, v, session, bus, resolvedPath, storageKind, logger)
	logger.Infow("starting pipedash-server", "bind_addr", cfg.BindAddr, "storage_backend", storageKind, "version", version)
	return server.Run(ctx, cfg.BindAddr)
}

// runCacheInvalidator adapts PipelineService's named InvalidateRunCache to
// the refresh engine's narrow CacheInvalidator interface.
type runCacheInvalidator struct {
	pipelines *service.PipelineService
}

func (r runCacheInvalidator) Invalidate(pipelineID string) {
	r.pipelines.InvalidateRunCache(pipelineID)
}

func openStore(ctx context.Context, cfg config.File) (storage.Store, string, error) {
	switch cfg.StorageBackend {
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, "", fmt.Errorf("storage_backend is postgres but postgres_url is empty")
		}
		store, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.PostgresURL))
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	case "sqlite", "":
		path := filepath.Join(cfg.DataDir, "pipedash.db")
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("unknown storage_backend %q", cfg.StorageBackend)
	}
}
