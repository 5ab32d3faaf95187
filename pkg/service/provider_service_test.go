package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/driver"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/service"
	"github.com/pipedash/pipedash/pkg/vault"
)

func newTestProviderService(t *testing.T, fd *fakeDriver) (*service.ProviderService, *fakeStore, *eventbus.Bus, *cache.PipelineCache, *cache.WorkflowParamsCache) {
	t.Helper()
	store := newFakeStore()
	logger := zap.NewNop().Sugar()
	v := vault.New(store, logger)
	require.NoError(t, v.Unlock(context.Background(), "test-password"))
	bus := eventbus.New(logger)
	pipelineCache := cache.NewPipelineCache(time.Minute)
	paramsCache := cache.NewWorkflowParamsCache()

	svc := service.NewProviderService(store, v, driver.NewHTTPClientFactory(5), bus, pipelineCache, paramsCache, logger)
	svc.WithDriverFactory(func(driver.Config, *zap.SugaredLogger) (driver.Driver, error) {
		return fd, nil
	})
	return svc, store, bus, pipelineCache, paramsCache
}

func githubConfig() map[string]string {
	return map[string]string{"owner": "acme", "repo": "api"}
}

func TestAddProviderPersistsAndCachesDriver(t *testing.T) {
	fd := &fakeDriver{perms: &domain.ProviderPermissions{Scopes: []string{"repo"}}}
	svc, store, bus, _, _ := newTestProviderService(t, fd)
	sub := bus.Subscribe("")
	defer sub.Close()

	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	id, err := svc.AddProvider(context.Background(), p, "ghp_faketoken")
	require.NoError(t, err)
	assert.NotZero(t, id)

	stored, err := store.GetProvider(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "acme-api", stored.Name)

	_, ok := svc.Driver(id)
	assert.True(t, ok)

	tok, ok := store.tokens[id]
	require.True(t, ok)
	assert.NotEmpty(t, tok.Ciphertext)
}

func TestAddProviderRejectsInvalidName(t *testing.T) {
	svc, _, _, _, _ := newTestProviderService(t, &fakeDriver{})
	p := domain.Provider{Name: "Not Valid!", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	_, err := svc.AddProvider(context.Background(), p, "tok")
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}

func TestAddProviderRejectsMissingConfigField(t *testing.T) {
	svc, _, _, _, _ := newTestProviderService(t, &fakeDriver{})
	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: map[string]string{"owner": "acme"}}
	_, err := svc.AddProvider(context.Background(), p, "tok")
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}

func TestAddProviderPropagatesCredentialFailure(t *testing.T) {
	fd := &fakeDriver{verifyErr: domain.AuthFailed("bad token")}
	svc, _, _, _, _ := newTestProviderService(t, fd)
	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	_, err := svc.AddProvider(context.Background(), p, "tok")
	require.Error(t, err)
	assert.Equal(t, domain.ErrAuthFailed, domain.KindOf(err))
}

func TestUpdateProviderBumpsVersionAndInvalidatesPipelineCache(t *testing.T) {
	fd := &fakeDriver{}
	svc, store, _, pipelineCache, paramsCache := newTestProviderService(t, fd)

	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	id, err := svc.AddProvider(context.Background(), p, "tok")
	require.NoError(t, err)
	pipelineCache.Put(id, []domain.Pipeline{{ID: "p1"}})
	paramsCache.Put("p1", []domain.WorkflowParameter{{Name: "branch"}})

	updated, err := store.GetProvider(context.Background(), id)
	require.NoError(t, err)
	updated.DisplayName = "Renamed"
	require.NoError(t, svc.UpdateProvider(context.Background(), *updated, ""))

	stored, err := store.GetProvider(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.DisplayName)
	assert.Equal(t, int64(2), stored.Version)

	_, _, ok := pipelineCache.Get(id)
	assert.False(t, ok, "pipeline cache should be invalidated on provider update")

	_, ok = paramsCache.Get("p1")
	assert.False(t, ok, "workflow parameter cache should be invalidated on provider update")
}

func TestRemoveProviderDropsDriverAndCache(t *testing.T) {
	fd := &fakeDriver{}
	svc, store, _, _, _ := newTestProviderService(t, fd)

	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	id, err := svc.AddProvider(context.Background(), p, "tok")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveProvider(context.Background(), id))

	_, ok := svc.Driver(id)
	assert.False(t, ok)

	_, err = store.GetProvider(context.Background(), id)
	assert.Error(t, err)
}

func TestListProvidersComposesPipelineCounts(t *testing.T) {
	fd := &fakeDriver{}
	svc, _, _, pipelineCache, _ := newTestProviderService(t, fd)

	p := domain.Provider{Name: "acme-api", ProviderType: domain.ProviderGitHub, OpaqueConfig: githubConfig()}
	id, err := svc.AddProvider(context.Background(), p, "tok")
	require.NoError(t, err)
	pipelineCache.Put(id, []domain.Pipeline{{ID: "p1"}, {ID: "p2"}})

	summaries, err := svc.ListProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID)
	assert.Equal(t, 2, summaries[0].PipelineCount)
}
