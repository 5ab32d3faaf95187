package config_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipedash/pipedash/pkg/config"
	"github.com/pipedash/pipedash/pkg/domain"
)

func TestResolveTokenRefEmptyReturnsEmpty(t *testing.T) {
	val, err := config.ResolveTokenRef(context.Background(), "", nil)
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestResolveTokenRefEnvOnlyResolvesFromEnvironment(t *testing.T) {
	t.Setenv("PIPEDASH_TEST_TOKEN", "secret-value")
	val, err := config.ResolveTokenRef(context.Background(), "${PIPEDASH_TEST_TOKEN}", nil)
	require.NoError(t, err)
	require.Equal(t, "secret-value", val)
}

func TestResolveTokenRefEnvOnlyMissingFails(t *testing.T) {
	_, err := config.ResolveTokenRef(context.Background(), "${PIPEDASH_DOES_NOT_EXIST}", nil)
	require.Error(t, err)
	require.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}

func TestResolveTokenRefEnvDefaultFallsBackWhenUnset(t *testing.T) {
	val, err := config.ResolveTokenRef(context.Background(), "${PIPEDASH_DOES_NOT_EXIST:-fallback}", nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", val)
}

func TestResolveTokenRefEnvDefaultPrefersSetValue(t *testing.T) {
	t.Setenv("PIPEDASH_TEST_TOKEN", "set-value")
	val, err := config.ResolveTokenRef(context.Background(), "${PIPEDASH_TEST_TOKEN:-fallback}", nil)
	require.NoError(t, err)
	require.Equal(t, "set-value", val)
}

func TestResolveTokenRefEnvPrefixForm(t *testing.T) {
	t.Setenv("MY_TOKEN", "env-prefix-value")
	val, err := config.ResolveTokenRef(context.Background(), "env:MY_TOKEN", nil)
	require.NoError(t, err)
	require.Equal(t, "env-prefix-value", val)
}

func TestResolveTokenRefKeyringReportsNotSupported(t *testing.T) {
	_, err := config.ResolveTokenRef(context.Background(), "keyring:github-token", nil)
	require.Error(t, err)
	require.Equal(t, domain.ErrNotSupported, domain.KindOf(err))
}

func TestResolveTokenRefRejectsPlaintextGitHubToken(t *testing.T) {
	_, err := config.ResolveTokenRef(context.Background(), "ghp_abc123", nil)
	require.Error(t, err)
	require.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}

func TestResolveTokenRefRejectsPlaintextGitLabToken(t *testing.T) {
	_, err := config.ResolveTokenRef(context.Background(), "glpat-abc123", nil)
	require.Error(t, err)
	require.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}

func TestResolveTokenRefInlineNonTokenShapedValuePasses(t *testing.T) {
	val, err := config.ResolveTokenRef(context.Background(), "some-opaque-value", nil)
	require.NoError(t, err)
	require.Equal(t, "some-opaque-value", val)
}

func TestResolveTokenRefStorageRefRejectsNonNumericID(t *testing.T) {
	_, err := config.ResolveTokenRef(context.Background(), "storage:not-a-number", nil)
	require.Error(t, err)
	require.Equal(t, domain.ErrInvalidConfig, domain.KindOf(err))
}
