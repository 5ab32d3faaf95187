// Package config loads the optional file-based provider configuration
// (spec.md §4.5/§6) and reconciles it against the database on startup.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/pipedash/pipedash/pkg/domain"
)

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(path string, cfg File) error {
	f, err := os.Create(path)
	if err != nil {
		return domain.InternalError(err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return domain.InvalidConfig(fmt.Sprintf("failed to write config file %s: %v", path, err))
	}
	return nil
}

// ProviderConfig is one [providers.<name>] table in the TOML file.
type ProviderConfig struct {
	Type                   string            `toml:"type"`
	DisplayName            string            `toml:"display_name"`
	RefreshIntervalSeconds int               `toml:"refresh_interval_seconds"`
	Token                  string            `toml:"token"`
	OpaqueConfig           map[string]string `toml:"config"`
}

// File is the full on-disk configuration document.
type File struct {
	BindAddr       string                    `toml:"bind_addr"`
	DataDir        string                    `toml:"data_dir"`
	StorageBackend string                    `toml:"storage_backend"`
	PostgresURL    string                    `toml:"postgres_url"`
	HTTPPoolSize   int                       `toml:"http_pool_size"`
	DeleteOrphans  bool                      `toml:"delete_orphans"`
	Providers      map[string]ProviderConfig `toml:"providers"`
}

// Defaults mirrors the PIPEDASH_* table in spec.md §6 before any override is
// applied.
func Defaults() File {
	return File{
		BindAddr:       "127.0.0.1:8080",
		DataDir:        ".",
		StorageBackend: "sqlite",
		HTTPPoolSize:   10,
	}
}

// Load reads and decodes path, starting from Defaults() so a partial file
// only overrides what it declares.
func Load(path string) (File, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return File{}, domain.InvalidConfig(fmt.Sprintf("failed to parse config file %s: %v", path, err))
	}
	return cfg, nil
}

// ApplyEnvOverrides layers PIPEDASH_BIND_ADDR, PIPEDASH_DATA_DIR,
// PIPEDASH_STORAGE_BACKEND and PIPEDASH_POSTGRES_URL (spec.md §6) on top of a
// loaded file, env taking precedence. PIPEDASH_CONFIG_PATH is read by
// ConfigPath and PIPEDASH_VAULT_PASSWORD by vault.Session;
// PIPEDASH_HTTP_POOL_SIZE and PIPEDASH_SERVER_MODE are not read anywhere.
func ApplyEnvOverrides(cfg File) File {
	if v := os.Getenv("PIPEDASH_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("PIPEDASH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PIPEDASH_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("PIPEDASH_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	return cfg
}

// ConfigPath resolves the config file location per PIPEDASH_CONFIG_PATH,
// falling back to defaultPath when unset.
func ConfigPath(defaultPath string) string {
	if v := os.Getenv("PIPEDASH_CONFIG_PATH"); v != "" {
		return v
	}
	return defaultPath
}
