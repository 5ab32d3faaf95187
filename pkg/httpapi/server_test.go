package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/httpapi"
	"github.com/pipedash/pipedash/pkg/service"
	"github.com/pipedash/pipedash/pkg/vault"
)

// fakeStore is the minimal in-memory storage.Store double this package's
// server tests drive.
type fakeStore struct {
	mu        sync.Mutex
	providers map[int64]domain.Provider
	tokens    map[int64]domain.EncryptedToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{providers: make(map[int64]domain.Provider), tokens: make(map[int64]domain.EncryptedToken)}
}

func (s *fakeStore) CreateProvider(_ context.Context, p *domain.Provider) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.providers) + 1)
	p.Version = 1
	s.providers[p.ID] = *p
	return p.ID, nil
}
func (s *fakeStore) UpdateProvider(_ context.Context, p *domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version++
	s.providers[p.ID] = *p
	return nil
}
func (s *fakeStore) DeleteProvider(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, id)
	return nil
}
func (s *fakeStore) GetProvider(_ context.Context, id int64) (*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, domain.ProviderNotFound("no such provider")
	}
	return &p, nil
}
func (s *fakeStore) GetProviderByName(_ context.Context, name string) (*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, domain.ProviderNotFound("no such provider")
}
func (s *fakeStore) ListProviders(_ context.Context) ([]domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}
func (s *fakeStore) PutEncryptedToken(_ context.Context, tok domain.EncryptedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ProviderID] = tok
	return nil
}
func (s *fakeStore) GetEncryptedToken(_ context.Context, id int64) (domain.EncryptedToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	return t, ok, nil
}
func (s *fakeStore) DeleteEncryptedToken(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}
func (s *fakeStore) ListEncryptedTokens(_ context.Context) ([]domain.EncryptedToken, error) {
	return nil, nil
}
func (s *fakeStore) ReplaceAllEncryptedTokens(_ context.Context, _ []domain.EncryptedToken) error {
	return nil
}
func (s *fakeStore) GetTablePreference(context.Context, string) (string, bool, error) { return "", false, nil }
func (s *fakeStore) SetTablePreference(context.Context, string, string) error         { return nil }
func (s *fakeStore) GetProviderPermissions(context.Context, int64) (*domain.ProviderPermissions, error) {
	return nil, nil
}
func (s *fakeStore) PutProviderPermissions(context.Context, domain.ProviderPermissions) error {
	return nil
}
func (s *fakeStore) DeleteProviderPermissions(context.Context, int64) error { return nil }
func (s *fakeStore) GetCachedPipelines(context.Context, int64) ([]domain.Pipeline, error) {
	return nil, nil
}
func (s *fakeStore) PutCachedPipelines(context.Context, int64, []domain.Pipeline) error { return nil }
func (s *fakeStore) DeleteCachedPipelines(context.Context, int64) error                 { return nil }
func (s *fakeStore) Close() error                                                       { return nil }

func newTestServer(t *testing.T) (*httpapi.Server, *vault.Session) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := newFakeStore()
	v := vault.New(store, logger)
	bus := eventbus.New(logger)
	pipelineCache := cache.NewPipelineCache(0)
	runHistory := cache.NewRunHistoryCache()
	params := cache.NewWorkflowParamsCache()

	providerSvc := service.NewProviderService(store, v, nil, bus, pipelineCache, params, logger)
	pipelineSvc := service.NewPipelineService(store, providerSvc, pipelineCache, runHistory, params, bus, logger)

	session := vault.NewSession()
	configPath := filepath.Join(t.TempDir(), "pipedash.toml")
	server := httpapi.NewServer(providerSvc, pipelineSvc, v, session, bus, configPath, "sqlite", logger)
	return server, session
}

func doRequest(t *testing.T, server *httpapi.Server, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointAlwaysOK(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupStatusReportsNeedsSetupWhenConfigMissing(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/setup/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConfigExists bool `json:"config_exists"`
		NeedsSetup   bool `json:"needs_setup"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.ConfigExists)
	require.True(t, body.NeedsSetup)
}

func TestVaultStatusReflectsLockedState(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/vault/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		IsUnlocked bool `json:"is_unlocked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.IsUnlocked)
}

func TestProtectedRouteAllowsRequestsInDevModeWithNoPasswordConfigured(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingBearerTokenWhenPasswordConfigured(t *testing.T) {
	server, session := newTestServer(t)
	session.SetSession("super-secret")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteAcceptsMatchingBearerToken(t *testing.T) {
	server, session := newTestServer(t)
	session.SetSession("super-secret")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/providers", map[string]string{
		"Authorization": "Bearer super-secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheStatsReportsZeroCountsInitially(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats service.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 0, stats.CachedProviders)
}
