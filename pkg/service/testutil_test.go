package service_test

import (
	"context"
	"sync"

	"github.com/pipedash/pipedash/pkg/domain"
)

// fakeStore is a minimal in-memory storage.Store used across the service
// tests, mirroring vault_test.go's memStore for the token-only subset.
type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	providers  map[int64]domain.Provider
	tokens     map[int64]domain.EncryptedToken
	tablePrefs map[string]string
	perms      map[int64]domain.ProviderPermissions
	pipelines  map[int64][]domain.Pipeline
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		providers:  make(map[int64]domain.Provider),
		tokens:     make(map[int64]domain.EncryptedToken),
		tablePrefs: make(map[string]string),
		perms:      make(map[int64]domain.ProviderPermissions),
		pipelines:  make(map[int64][]domain.Pipeline),
	}
}

func (s *fakeStore) CreateProvider(_ context.Context, p *domain.Provider) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.providers {
		if existing.Name == p.Name {
			return 0, domain.InvalidConfig("provider name already exists")
		}
	}
	s.nextID++
	p.ID = s.nextID
	p.Version = 1
	s.providers[p.ID] = *p
	return p.ID, nil
}

func (s *fakeStore) UpdateProvider(_ context.Context, p *domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return domain.ProviderNotFound("no such provider")
	}
	p.Version++
	s.providers[p.ID] = *p
	return nil
}

func (s *fakeStore) DeleteProvider(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return domain.ProviderNotFound("no such provider")
	}
	delete(s.providers, id)
	delete(s.tokens, id)
	delete(s.perms, id)
	delete(s.pipelines, id)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EncryptedToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) ReplaceAllEncryptedTokens(_ context.Context, toks []domain.EncryptedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[int64]domain.EncryptedToken)
	for _, t := range toks {
		s.tokens[t.ProviderID] = t
	}
	return nil
}

func (s *fakeStore) GetTablePreference(_ context.Context, table string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tablePrefs[table]
	return v, ok, nil
}

func (s *fakeStore) SetTablePreference(_ context.Context, table, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tablePrefs[table] = value
	return nil
}

func (s *fakeStore) GetProviderPermissions(_ context.Context, providerID int64) (*domain.ProviderPermissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[providerID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeStore) PutProviderPermissions(_ context.Context, perms domain.ProviderPermissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[perms.ProviderID] = perms
	return nil
}

func (s *fakeStore) DeleteProviderPermissions(_ context.Context, providerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, providerID)
	return nil
}

func (s *fakeStore) GetCachedPipelines(_ context.Context, providerID int64) ([]domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelines[providerID], nil
}

func (s *fakeStore) PutCachedPipelines(_ context.Context, providerID int64, pipelines []domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[providerID] = pipelines
	return nil
}

func (s *fakeStore) DeleteCachedPipelines(_ context.Context, providerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, providerID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeDriver is a scriptable driver.Driver double; every method's return
// value is set directly by the test before exercising the service.
type fakeDriver struct {
	mu sync.Mutex

	verifyErr error
	perms     *domain.ProviderPermissions

	pipelines    []domain.Pipeline
	pipelinesErr error

	runHistory    domain.PaginatedRunHistory
	runHistoryErr error

	params    []domain.WorkflowParameter
	paramsErr error

	triggeredRun *domain.PipelineRun
	triggerErr   error
	cancelErr    error

	fetchCalls int
}

func (d *fakeDriver) Type() domain.ProviderType { return domain.ProviderGitHub }

func (d *fakeDriver) VerifyCredentials(context.Context) (*domain.ProviderPermissions, error) {
	return d.perms, d.verifyErr
}

func (d *fakeDriver) FetchPipelines(context.Context) ([]domain.Pipeline, error) {
	d.mu.Lock()
	d.fetchCalls++
	d.mu.Unlock()
	return d.pipelines, d.pipelinesErr
}

func (d *fakeDriver) FetchRunHistory(context.Context, string, domain.Page) (domain.PaginatedRunHistory, error) {
	return d.runHistory, d.runHistoryErr
}

func (d *fakeDriver) FetchWorkflowParameters(context.Context, string) ([]domain.WorkflowParameter, error) {
	return d.params, d.paramsErr
}

func (d *fakeDriver) TriggerRun(context.Context, string, map[string]string) (*domain.PipelineRun, error) {
	return d.triggeredRun, d.triggerErr
}

func (d *fakeDriver) CancelRun(context.Context, string, string) error {
	return d.cancelErr
}

func (d *fakeDriver) FetchOrganizations(context.Context) ([]domain.Organization, error) {
	return nil, domain.NotSupported("not used in these tests")
}

func (d *fakeDriver) FetchAvailablePipelines(context.Context, string, domain.Page) (domain.PaginatedItems[domain.AvailablePipeline], error) {
	return domain.PaginatedItems[domain.AvailablePipeline]{}, domain.NotSupported("not used in these tests")
}

func (d *fakeDriver) fetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchCalls
}
