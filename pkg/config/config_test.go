package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipedash/pipedash/pkg/config"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	d := config.Defaults()
	require.Equal(t, "127.0.0.1:8080", d.BindAddr)
	require.Equal(t, "sqlite", d.StorageBackend)
	require.Equal(t, 10, d.HTTPPoolSize)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipedash.toml")
	original := config.File{
		BindAddr:       "0.0.0.0:9090",
		DataDir:        "/var/lib/pipedash",
		StorageBackend: "postgres",
		PostgresURL:    "postgres://localhost/pipedash",
		HTTPPoolSize:   20,
		DeleteOrphans:  true,
		Providers: map[string]config.ProviderConfig{
			"acme-gh": {
				Type:                   "github",
				DisplayName:            "Acme GitHub",
				RefreshIntervalSeconds: 30,
				Token:                  "${GITHUB_TOKEN}",
				OpaqueConfig:           map[string]string{"owner": "acme", "repo": "api"},
			},
		},
	}

	require.NoError(t, config.Save(path, original))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, original, loaded)
}

func TestApplyEnvOverridesTakesPrecedenceOverFile(t *testing.T) {
	t.Setenv("PIPEDASH_BIND_ADDR", "0.0.0.0:1234")
	t.Setenv("PIPEDASH_STORAGE_BACKEND", "postgres")

	cfg := config.Defaults()
	cfg.BindAddr = "127.0.0.1:8080"

	overridden := config.ApplyEnvOverrides(cfg)
	require.Equal(t, "0.0.0.0:1234", overridden.BindAddr)
	require.Equal(t, "postgres", overridden.StorageBackend)
}

func TestApplyEnvOverridesLeavesUnsetVarsAlone(t *testing.T) {
	cfg := config.Defaults()
	overridden := config.ApplyEnvOverrides(cfg)
	require.Equal(t, cfg, overridden)
}

func TestConfigPathPrefersEnvOverride(t *testing.T) {
	t.Setenv("PIPEDASH_CONFIG_PATH", "/etc/pipedash/custom.toml")
	require.Equal(t, "/etc/pipedash/custom.toml", config.ConfigPath("./pipedash.toml"))
}

func TestConfigPathFallsBackToDefault(t *testing.T) {
	require.Equal(t, "./pipedash.toml", config.ConfigPath("./pipedash.toml"))
}
