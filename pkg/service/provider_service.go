// Package service implements the two read/write surfaces every HTTP route
// and refresh tick goes through: provider configuration and pipeline state.
package service

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/cache"
	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/driver"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/storage"
	"github.com/pipedash/pipedash/pkg/vault"
)

var providerNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ProviderService owns the provider CRUD surface from spec.md §4.5: config
// validation, credential verification, driver instance lifecycle, and the
// config-reconciliation entry point pkg/config drives on startup.
type ProviderService struct {
	store     storage.Store
	vault     *vault.Vault
	http      *driver.HTTPClientFactory
	bus       *eventbus.Bus
	cache     *cache.PipelineCache
	params    *cache.WorkflowParamsCache
	logger    *zap.SugaredLogger
	newDriver func(cfg driver.Config, logger *zap.SugaredLogger) (driver.Driver, error)

	mu      sync.RWMutex
	drivers map[int64]driver.Driver
}

func NewProviderService(
	store storage.Store,
	v *vault.Vault,
	httpFactory *driver.HTTPClientFactory,
	bus *eventbus.Bus,
	pipelineCache *cache.PipelineCache,
	paramsCache *cache.WorkflowParamsCache,
	logger *zap.SugaredLogger,
) *ProviderService {
	return &ProviderService{
		store:     store,
		vault:     v,
		http:      httpFactory,
		bus:       bus,
		cache:     pipelineCache,
		params:    paramsCache,
		logger:    logger,
		newDriver: driver.New,
		drivers:   make(map[int64]driver.Driver),
	}
}

// WithDriverFactory overrides how concrete drivers are constructed, for
// tests that substitute a fake driver.Driver instead of reaching the network.
func (s *ProviderService) WithDriverFactory(factory func(cfg driver.Config, logger *zap.SugaredLogger) (driver.Driver, error)) {
	s.newDriver = factory
}

// Driver returns the live driver instance for providerID, if one has been
// instantiated (add_provider/update_provider/startup reconciliation do so).
func (s *ProviderService) Driver(providerID int64) (driver.Driver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[providerID]
	return d, ok
}

func validateProviderName(name string) error {
	if !providerNamePattern.MatchString(name) {
		return domain.InvalidConfig("provider name must be lowercase alphanumeric with internal hyphens")
	}
	return nil
}

// AddProvider validates name/type/config, instantiates and verifies the
// driver, persists the provider and its token, and caches the driver
// instance for later use.
func (s *ProviderService) AddProvider(ctx context.Context, p domain.Provider, token string) (int64, error) {
	if err := validateProviderName(p.Name); err != nil {
		return 0, err
	}
	if err := driver.ValidateConfig(p.ProviderType, p.OpaqueConfig); err != nil {
		return 0, err
	}

	d, err := s.newDriver(driver.Config{Provider: &p, Token: token, HTTP: s.http}, s.logger)
	if err != nil {
		return 0, err
	}

	perms, err := d.VerifyCredentials(ctx)
	if err != nil {
		return 0, err
	}

	id, err := s.store.CreateProvider(ctx, &p)
	if err != nil {
		return 0, err
	}

	if token != "" {
		if err := s.vault.StoreToken(ctx, id, token); err != nil {
			return 0, err
		}
	}
	if perms != nil {
		perms.ProviderID = id
		if err := s.store.PutProviderPermissions(ctx, *perms); err != nil {
			s.logger.Warnw("failed to persist provider permissions", "provider_id", id, "error", err)
		}
	}

	s.mu.Lock()
	s.drivers[id] = d
	s.mu.Unlock()

	s.bus.Emit(domain.Event{Type: domain.EventProviderAdded, Timestamp: time.Now().UTC()})
	s.bus.Emit(domain.Event{Type: domain.EventProvidersChanged, Timestamp: time.Now().UTC()})
	return id, nil
}

// UpdateProvider re-validates config, replaces the cached driver instance,
// bumps the stored version, and invalidates the pipeline cache for the
// provider and the whole workflow parameter cache since its identity (and
// possibly its credentials) changed.
func (s *ProviderService) UpdateProvider(ctx context.Context, p domain.Provider, token string) error {
	if err := validateProviderName(p.Name); err != nil {
		return err
	}
	if err := driver.ValidateConfig(p.ProviderType, p.OpaqueConfig); err != nil {
		return err
	}

	existing, err := s.store.GetProvider(ctx, p.ID)
	if err != nil {
		return err
	}
	p.Version = existing.Version

	effectiveToken := token
	if effectiveToken == "" {
		effectiveToken, _ = s.vault.GetToken(ctx, p.ID)
	}

	d, err := s.newDriver(driver.Config{Provider: &p, Token: effectiveToken, HTTP: s.http}, s.logger)
	if err != nil {
		return err
	}
	if _, err := d.VerifyCredentials(ctx); err != nil {
		return err
	}

	if err := s.store.UpdateProvider(ctx, &p); err != nil {
		return err
	}
	if token != "" {
		if err := s.vault.StoreToken(ctx, p.ID, token); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.drivers[p.ID] = d
	s.mu.Unlock()

	s.cache.Invalidate(p.ID)
	s.params.InvalidateAll()

	s.bus.Emit(domain.Event{Type: domain.EventProviderUpdated, Timestamp: time.Now().UTC()})
	s.bus.Emit(domain.Event{
		Type:      domain.EventPipelineCacheInvalidated,
		Timestamp: time.Now().UTC(),
		Payload:   domain.PipelineCacheInvalidatedPayload{ProviderID: &p.ID, Reason: domain.ReasonProviderChange},
	})
	s.bus.Emit(domain.Event{Type: domain.EventProvidersChanged, Timestamp: time.Now().UTC()})
	return nil
}

// RemoveProvider deletes the provider row (the storage layer also deletes its
// token, cached pipelines and permission snapshot), drops the driver
// instance, and clears the pipeline cache entry. Table preferences are keyed
// by table name, not by provider, and are left untouched.
func (s *ProviderService) RemoveProvider(ctx context.Context, providerID int64) error {
	if err := s.store.DeleteProvider(ctx, providerID); err != nil {
		return err
	}
	if err := s.vault.DeleteToken(ctx, providerID); err != nil {
		s.logger.Warnw("failed to delete vault token on provider removal", "provider_id", providerID, "error", err)
	}

	s.mu.Lock()
	delete(s.drivers, providerID)
	s.mu.Unlock()

	s.cache.Invalidate(providerID)

	s.bus.Emit(domain.Event{Type: domain.EventProviderRemoved, Timestamp: time.Now().UTC()})
	s.bus.Emit(domain.Event{Type: domain.EventProvidersChanged, Timestamp: time.Now().UTC()})
	return nil
}

// GetProvider returns the persisted provider row.
func (s *ProviderService) GetProvider(ctx context.Context, providerID int64) (*domain.Provider, error) {
	return s.store.GetProvider(ctx, providerID)
}

// ListProviders composes summaries by joining persisted config with cached
// pipeline counts and freshness.
func (s *ProviderService) ListProviders(ctx context.Context) ([]domain.ProviderSummary, error) {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ProviderSummary, 0, len(providers))
	for _, p := range providers {
		pipelines, _, ok := s.cache.Get(p.ID)
		summary := domain.ProviderSummary{Provider: p}
		if ok {
			summary.PipelineCount = len(pipelines)
			summary.LastUpdatedAt = latestUpdate(pipelines)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func latestUpdate(pipelines []domain.Pipeline) *time.Time {
	var latest time.Time
	for _, p := range pipelines {
		if p.LastUpdatedAt.After(latest) {
			latest = p.LastUpdatedAt
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}

// LoadDriversFromStore instantiates a driver for every persisted provider,
// used once at startup after the vault is unlocked. Failures are logged and
// skipped rather than aborting the whole fleet.
func (s *ProviderService) LoadDriversFromStore(ctx context.Context) {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		s.logger.Errorw("failed to list providers at startup", "error", err)
		return
	}

	for i := range providers {
		p := providers[i]
		token, err := s.vault.GetToken(ctx, p.ID)
		if err != nil {
			s.logger.Warnw("skipping driver instantiation, token unavailable", "provider_id", p.ID, "error", err)
			continue
		}
		d, err := s.newDriver(driver.Config{Provider: &p, Token: token, HTTP: s.http}, s.logger)
		if err != nil {
			s.logger.Warnw("skipping driver instantiation", "provider_id", p.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.drivers[p.ID] = d
		s.mu.Unlock()
	}
}
