// Package sqlite implements the embedded storage backend: a single-file
// key-value + relational store with a write-ahead log, tuned per spec.md
// §4.2, behind github.com/jmoiron/sqlx on top of the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/storage/migrations"
)

// Store is the embedded backend. A single mutex serialises writes (the
// "single-writer discipline" spec.md §4.2 requires); the pool is capped at
// one open connection, so reads share that connection with writes.
type Store struct {
	db       *sqlx.DB
	writeMu  sync.Mutex
}

// Open opens (creating if absent) the sqlite database at path, applies
// pragmas for WAL journalling, a >=10s busy timeout, NORMAL synchronous
// level, an in-memory temp store and a 64MiB page cache budget, then runs
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + WAL: one writer connection is simplest and safe.

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-65536", // 64 MiB, negative = KiB budget
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := migrations.ApplySQLite(ctx, db.DB); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateProvider(ctx context.Context, p *domain.Provider) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg, err := json.Marshal(p.OpaqueConfig)
	if err != nil {
		return 0, fmt.Errorf("marshal opaque_config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (name, display_name, provider_type, refresh_interval_seconds, opaque_config, version, last_fetch_status, last_fetch_error)
		VALUES (?, ?, ?, ?, ?, 1, 'never', '')`,
		p.Name, p.DisplayName, string(p.ProviderType), p.RefreshIntervalSeconds, string(cfg))
	if err != nil {
		return 0, wrapUniqueViolation(err, p.Name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateProvider(ctx context.Context, p *domain.Provider) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg, err := json.Marshal(p.OpaqueConfig)
	if err != nil {
		return fmt.Errorf("marshal opaque_config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE providers
		SET display_name = ?, provider_type = ?, refresh_interval_seconds = ?, opaque_config = ?, version = version + 1
		WHERE id = ?`,
		p.DisplayName, string(p.ProviderType), p.RefreshIntervalSeconds, string(cfg), p.ID)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ProviderNotFound(fmt.Sprintf("provider %d not found", p.ID))
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ProviderNotFound(fmt.Sprintf("provider %d not found", id))
	}

	_, _ = s.db.ExecContext(ctx, `DELETE FROM encrypted_tokens WHERE provider_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM provider_permissions WHERE provider_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = ?`, id)
	return nil
}

type providerRow struct {
	ID                     int64          `db:"id"`
	Name                   string         `db:"name"`
	DisplayName            string         `db:"display_name"`
	ProviderType           string         `db:"provider_type"`
	RefreshIntervalSeconds int            `db:"refresh_interval_seconds"`
	OpaqueConfig           string         `db:"opaque_config"`
	Version                int64          `db:"version"`
	LastFetchStatus        string         `db:"last_fetch_status"`
	LastFetchError         string         `db:"last_fetch_error"`
	LastFetchAt            sql.NullTime   `db:"last_fetch_at"`
	CreatedAt              time.Time      `db:"created_at"`
}

func (r providerRow) toDomain() (domain.Provider, error) {
	var cfg map[string]string
	if err := json.Unmarshal([]byte(r.OpaqueConfig), &cfg); err != nil {
		return domain.Provider{}, fmt.Errorf("unmarshal opaque_config: %w", err)
	}
	p := domain.Provider{
		ID:                     r.ID,
		Name:                   r.Name,
		DisplayName:            r.DisplayName,
		ProviderType:           domain.ProviderType(r.ProviderType),
		RefreshIntervalSeconds: r.RefreshIntervalSeconds,
		OpaqueConfig:           cfg,
		Version:                r.Version,
		LastFetchStatus:        domain.FetchStatus(r.LastFetchStatus),
		LastFetchError:         r.LastFetchError,
		CreatedAt:              r.CreatedAt,
	}
	if r.LastFetchAt.Valid {
		p.LastFetchAt = &r.LastFetchAt.Time
	}
	return p, nil
}

func (s *Store) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	var row providerRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM providers WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ProviderNotFound(fmt.Sprintf("provider %d not found", id))
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (*domain.Provider, error) {
	var row providerRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM providers WHERE name = ?`, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ProviderNotFound(fmt.Sprintf("provider %q not found", name))
		}
		return nil, fmt.Errorf("get provider by name: %w", err)
	}
	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	var rows []providerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM providers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]domain.Provider, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) PutEncryptedToken(ctx context.Context, tok domain.EncryptedToken) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encrypted_tokens (provider_id, nonce, ciphertext) VALUES (?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET nonce = excluded.nonce, ciphertext = excluded.ciphertext`,
		tok.ProviderID, tok.Nonce, tok.Ciphertext)
	if err != nil {
		return fmt.Errorf("put encrypted token: %w", err)
	}
	return nil
}

func (s *Store) GetEncryptedToken(ctx context.Context, providerID int64) (domain.EncryptedToken, bool, error) {
	var tok struct {
		ProviderID int64  `db:"provider_id"`
		Nonce      []byte `db:"nonce"`
		Ciphertext []byte `db:"ciphertext"`
	}
	err := s.db.GetContext(ctx, &tok, `SELECT provider_id, nonce, ciphertext FROM encrypted_tokens WHERE provider_id = ?`, providerID)
	if err == sql.ErrNoRows {
		return domain.EncryptedToken{}, false, nil
	}
	if err != nil {
		return domain.EncryptedToken{}, false, fmt.Errorf("get encrypted token: %w", err)
	}
	return domain.EncryptedToken{ProviderID: tok.ProviderID, Nonce: tok.Nonce, Ciphertext: tok.Ciphertext}, true, nil
}

func (s *Store) DeleteEncryptedToken(ctx context.Context, providerID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM encrypted_tokens WHERE provider_id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("delete encrypted token: %w", err)
	}
	return nil
}

func (s *Store) ListEncryptedTokens(ctx context.Context) ([]domain.EncryptedToken, error) {
	var rows []struct {
		ProviderID int64  `db:"provider_id"`
		Nonce      []byte `db:"nonce"`
		Ciphertext []byte `db:"ciphertext"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT provider_id, nonce, ciphertext FROM encrypted_tokens`); err != nil {
		return nil, fmt.Errorf("list encrypted tokens: %w", err)
	}
	out := make([]domain.EncryptedToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.EncryptedToken{ProviderID: r.ProviderID, Nonce: r.Nonce, Ciphertext: r.Ciphertext})
	}
	return out, nil
}

func (s *Store) ReplaceAllEncryptedTokens(ctx context.Context, toks []domain.EncryptedToken) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM encrypted_tokens`); err != nil {
		return fmt.Errorf("clear encrypted tokens: %w", err)
	}
	for _, t := range toks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO encrypted_tokens (provider_id, nonce, ciphertext) VALUES (?, ?, ?)`,
			t.ProviderID, t.Nonce, t.Ciphertext); err != nil {
			return fmt.Errorf("insert encrypted token: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetTablePreference(ctx context.Context, table string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM table_preferences WHERE table_name = ?`, table)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get table preference: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetTablePreference(ctx context.Context, table, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO table_preferences (table_name, value) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET value = excluded.value`, table, value)
	if err != nil {
		return fmt.Errorf("set table preference: %w", err)
	}
	return nil
}

func (s *Store) GetProviderPermissions(ctx context.Context, providerID int64) (*domain.ProviderPermissions, error) {
	var row struct {
		ProviderID int64     `db:"provider_id"`
		Scopes     string    `db:"scopes"`
		CheckedAt  time.Time `db:"checked_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT provider_id, scopes, checked_at FROM provider_permissions WHERE provider_id = ?`, providerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider permissions: %w", err)
	}
	var scopes []string
	if err := json.Unmarshal([]byte(row.Scopes), &scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	return &domain.ProviderPermissions{ProviderID: row.ProviderID, Scopes: scopes, CheckedAt: row.CheckedAt}, nil
}

func (s *Store) PutProviderPermissions(ctx context.Context, perms domain.ProviderPermissions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	scopes, err := json.Marshal(perms.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_permissions (provider_id, scopes, checked_at) VALUES (?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET scopes = excluded.scopes, checked_at = excluded.checked_at`,
		perms.ProviderID, string(scopes), perms.CheckedAt)
	if err != nil {
		return fmt.Errorf("put provider permissions: %w", err)
	}
	return nil
}

func (s *Store) DeleteProviderPermissions(ctx context.Context, providerID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_permissions WHERE provider_id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("delete provider permissions: %w", err)
	}
	return nil
}

func (s *Store) GetCachedPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	var rows []struct {
		Payload string `db:"payload"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT payload FROM cached_pipelines WHERE provider_id = ?`, providerID); err != nil {
		return nil, fmt.Errorf("get cached pipelines: %w", err)
	}
	out := make([]domain.Pipeline, 0, len(rows))
	for _, r := range rows {
		var p domain.Pipeline
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal cached pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) PutCachedPipelines(ctx context.Context, providerID int64, pipelines []domain.Pipeline) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = ?`, providerID); err != nil {
		return fmt.Errorf("clear cached pipelines: %w", err)
	}
	for _, p := range pipelines {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal pipeline %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cached_pipelines (provider_id, pipeline_id, payload) VALUES (?, ?, ?)`,
			providerID, p.ID, string(payload)); err != nil {
			return fmt.Errorf("insert cached pipeline %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteCachedPipelines(ctx context.Context, providerID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("delete cached pipelines: %w", err)
	}
	return nil
}

func wrapUniqueViolation(err error, name string) error {
	// modernc.org/sqlite surfaces UNIQUE constraint failures as plain errors
	// whose text names the column; string-matching is the documented way to
	// detect them without parsing driver-internal error codes.
	if err == nil {
		return nil
	}
	if sqlErrLooksUnique(err) {
		return domain.InvalidConfig(fmt.Sprintf("provider name %q already exists", name))
	}
	return fmt.Errorf("create provider: %w", err)
}

func sqlErrLooksUnique(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
