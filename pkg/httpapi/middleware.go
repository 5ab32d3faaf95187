package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/vault"
)

// requestLogger logs one structured line per request, mirroring the
// teacher's *zap.SugaredLogger-everywhere convention rather than chi's own
// stdlib-logger middleware.
func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Infow("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// authMiddleware enforces spec.md §6's Bearer-token rule: when the vault
// password env var is unset, auth is skipped entirely (development mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected, source := s.session.Password()
		if source == vault.SourceNone || expected == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != expected {
			writeError(w, domain.AuthFailed("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := domain.ErrInternal
	message := err.Error()

	var de *domain.Error
	if errors.As(err, &de) {
		status = de.HTTPStatus()
		kind = de.Kind
		message = de.Message
	}

	writeJSON(w, status, errorBody{Error: string(kind), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.InvalidConfig("malformed request body: " + err.Error())
	}
	return nil
}
