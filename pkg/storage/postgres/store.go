// Package postgres implements the networked storage backend on top of
// jackc/pgx's database/sql shim, reached through github.com/jmoiron/sqlx,
// for deployments that run Pipedash against a shared Postgres instance
// instead of the embedded sqlite file.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/storage/migrations"
)

// Store is the networked backend. Unlike the embedded backend it imposes no
// single-writer discipline: pgx's pool already serialises at the connection
// level and Postgres handles concurrent writers natively.
type Store struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// Config controls pool sizing and the schema search_path applied to every
// connection via an AfterConnect hook.
type Config struct {
	DSN           string
	MinConns      int32
	MaxConns      int32
	AcquireTimeout time.Duration
	SearchPath    string
}

// DefaultConfig returns the pool sizing spec.md §4.2 calls for: 5 minimum
// connections, 20 maximum, a 30 second AcquireTimeout. Open applies
// AcquireTimeout only to its startup ping; later connection acquisitions are
// bounded by the caller's context alone.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:            dsn,
		MinConns:       5,
		MaxConns:       20,
		AcquireTimeout: 30 * time.Second,
		SearchPath:     "public",
	}
}

// Open establishes the pgx pool, wraps it in a database/sql handle for
// sqlx and golang-migrate, and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	searchPath := cfg.SearchPath
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", searchPath))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(acquireCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db := sqlx.NewDb(sqlDB, "pgx")

	if err := migrations.ApplyPostgres(db.DB); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, db: db}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *Store) CreateProvider(ctx context.Context, p *domain.Provider) (int64, error) {
	cfg, err := json.Marshal(p.OpaqueConfig)
	if err != nil {
		return 0, fmt.Errorf("marshal opaque_config: %w", err)
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO providers (name, display_name, provider_type, refresh_interval_seconds, opaque_config, version, last_fetch_status, last_fetch_error)
		VALUES ($1, $2, $3, $4, $5, 1, 'never', '')
		RETURNING id`,
		p.Name, p.DisplayName, string(p.ProviderType), p.RefreshIntervalSeconds, string(cfg)).Scan(&id)
	if err != nil {
		return 0, wrapUniqueViolation(err, p.Name)
	}
	return id, nil
}

func (s *Store) UpdateProvider(ctx context.Context, p *domain.Provider) error {
	cfg, err := json.Marshal(p.OpaqueConfig)
	if err != nil {
		return fmt.Errorf("marshal opaque_config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE providers
		SET display_name = $1, provider_type = $2, refresh_interval_seconds = $3, opaque_config = $4, version = version + 1
		WHERE id = $5`,
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ProviderNotFound(fmt.Sprintf("provider %d not found", id))
	}

	_, _ = s.db.ExecContext(ctx, `DELETE FROM encrypted_tokens WHERE provider_id = $1`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM provider_permissions WHERE provider_id = $1`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = $1`, id)
	return nil
}

type providerRow struct {
	ID                     int64        `db:"id"`
	Name                   string       `db:"name"`
	DisplayName            string       `db:"display_name"`
	ProviderType           string       `db:"provider_type"`
	RefreshIntervalSeconds int          `db:"refresh_interval_seconds"`
	OpaqueConfig           string       `db:"opaque_config"`
	Version                int64        `db:"version"`
	LastFetchStatus        string       `db:"last_fetch_status"`
	LastFetchError         string       `db:"last_fetch_error"`
	LastFetchAt            sql.NullTime `db:"last_fetch_at"`
	CreatedAt              time.Time    `db:"created_at"`
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
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM providers WHERE id = $1`, id); err != nil {
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
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM providers WHERE name = $1`, name); err != nil {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encrypted_tokens (provider_id, nonce, ciphertext) VALUES ($1, $2, $3)
		ON CONFLICT (provider_id) DO UPDATE SET nonce = excluded.nonce, ciphertext = excluded.ciphertext`,
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
	err := s.db.GetContext(ctx, &tok, `SELECT provider_id, nonce, ciphertext FROM encrypted_tokens WHERE provider_id = $1`, providerID)
	if err == sql.ErrNoRows {
		return domain.EncryptedToken{}, false, nil
	}
	if err != nil {
		return domain.EncryptedToken{}, false, fmt.Errorf("get encrypted token: %w", err)
	}
	return domain.EncryptedToken{ProviderID: tok.ProviderID, Nonce: tok.Nonce, Ciphertext: tok.Ciphertext}, true, nil
}

func (s *Store) DeleteEncryptedToken(ctx context.Context, providerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM encrypted_tokens WHERE provider_id = $1`, providerID)
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM encrypted_tokens`); err != nil {
		return fmt.Errorf("clear encrypted tokens: %w", err)
	}
	for _, t := range toks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO encrypted_tokens (provider_id, nonce, ciphertext) VALUES ($1, $2, $3)`,
			t.ProviderID, t.Nonce, t.Ciphertext); err != nil {
			return fmt.Errorf("insert encrypted token: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetTablePreference(ctx context.Context, table string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM table_preferences WHERE table_name = $1`, table)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get table preference: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetTablePreference(ctx context.Context, table, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO table_preferences (table_name, value) VALUES ($1, $2)
		ON CONFLICT (table_name) DO UPDATE SET value = excluded.value`, table, value)
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
	err := s.db.GetContext(ctx, &row, `SELECT provider_id, scopes, checked_at FROM provider_permissions WHERE provider_id = $1`, providerID)
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
	scopes, err := json.Marshal(perms.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_permissions (provider_id, scopes, checked_at) VALUES ($1, $2, $3)
		ON CONFLICT (provider_id) DO UPDATE SET scopes = excluded.scopes, checked_at = excluded.checked_at`,
		perms.ProviderID, string(scopes), perms.CheckedAt)
	if err != nil {
		return fmt.Errorf("put provider permissions: %w", err)
	}
	return nil
}

func (s *Store) DeleteProviderPermissions(ctx context.Context, providerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_permissions WHERE provider_id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("delete provider permissions: %w", err)
	}
	return nil
}

func (s *Store) GetCachedPipelines(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	var rows []struct {
		Payload string `db:"payload"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT payload FROM cached_pipelines WHERE provider_id = $1`, providerID); err != nil {
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("clear cached pipelines: %w", err)
	}
	for _, p := range pipelines {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal pipeline %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cached_pipelines (provider_id, pipeline_id, payload) VALUES ($1, $2, $3)`,
			providerID, p.ID, string(payload)); err != nil {
			return fmt.Errorf("insert cached pipeline %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteCachedPipelines(ctx context.Context, providerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_pipelines WHERE provider_id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("delete cached pipelines: %w", err)
	}
	return nil
}

func wrapUniqueViolation(err error, name string) error {
	// pgx surfaces unique-violations as *pgconn.PgError with code 23505;
	// string-matching the SQLSTATE avoids importing pgconn just for this.
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key value") {
		return domain.InvalidConfig(fmt.Sprintf("provider name %q already exists", name))
	}
	return fmt.Errorf("create provider: %w", err)
}
