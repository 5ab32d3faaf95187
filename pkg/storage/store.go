// Package storage defines the persistence contract spec.md §4.2 describes and
// the two interchangeable backends (embedded, networked) that satisfy it.
package storage

import (
	"context"

	"github.com/pipedash/pipedash/pkg/domain"
)

// Store is the full persistence surface: provider CRUD, the encrypted token
// table the vault drives, table preferences, provider permission snapshots,
// and the persisted pipeline cache. Its only bulk export/import is the
// ListEncryptedTokens/ReplaceAllEncryptedTokens pair for the token table;
// there is no whole-store export or import. Both pkg/storage/sqlite and
// pkg/storage/postgres implement it identically.
type Store interface {
	// Providers
	CreateProvider(ctx context.Context, p *domain.Provider) (int64, error)
	UpdateProvider(ctx context.Context, p *domain.Provider) error
	DeleteProvider(ctx context.Context, id int64) error
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*domain.Provider, error)
	ListProviders(ctx context.Context) ([]domain.Provider, error)

	// Tokens (the vault.Store contract, co-located so one backend serves both).
	PutEncryptedToken(ctx context.Context, tok domain.EncryptedToken) error
	GetEncryptedToken(ctx context.Context, providerID int64) (domain.EncryptedToken, bool, error)
	DeleteEncryptedToken(ctx context.Context, providerID int64) error
	ListEncryptedTokens(ctx context.Context) ([]domain.EncryptedToken, error)
	ReplaceAllEncryptedTokens(ctx context.Context, toks []domain.EncryptedToken) error

	// Table preferences: opaque per-table UI state (column order, sort, etc.)
	// keyed by an arbitrary table name. Pipedash's core never interprets the
	// value; it only persists and returns it.
	GetTablePreference(ctx context.Context, table string) (string, bool, error)
	SetTablePreference(ctx context.Context, table, value string) error

	// Provider permission snapshots.
	GetProviderPermissions(ctx context.Context, providerID int64) (*domain.ProviderPermissions, error)
	PutProviderPermissions(ctx context.Context, perms domain.ProviderPermissions) error
	DeleteProviderPermissions(ctx context.Context, providerID int64) error

	// Persisted pipeline cache: written after every provider fetch and read
	// back into the in-memory pipeline cache at startup. The refresh engine's
	// change detection compares against its own in-memory snapshot of the
	// previous refresh, not against these rows.
	GetCachedPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error)
	PutCachedPipelines(ctx context.Context, providerID int64, pipelines []domain.Pipeline) error
	DeleteCachedPipelines(ctx context.Context, providerID int64) error

	Close() error
}

// DeleteOrphansResult captures the 3-way reconciliation outcome from
// spec.md §4.5/§8 scenario 6: providers declared in the file config vs. what
// is already in the store.
type DeleteOrphansResult struct {
	Added   []string
	Updated []string
	Removed []string
}
