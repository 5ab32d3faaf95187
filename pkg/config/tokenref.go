package config

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/vault"
)

// envDefaultPattern matches ${ENV_NAME:-default}.
var envDefaultPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*):-(.*)\}$`)

// envOnlyPattern matches ${ENV_NAME}.
var envOnlyPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// plaintextTokenShapes rejects inline tokens that look like real credentials,
// forcing indirection through env or keyring per spec.md §4.5/§6.
var plaintextTokenShapes = []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "glpat-"}

// ResolveTokenRef resolves one of the token-reference forms a file config may
// declare for a provider's token: "${ENV_NAME}", "${ENV_NAME:-default}",
// "env:NAME", "keyring:<name>", "storage:<id>", or empty (no token). An inline
// value matching a known plaintext token shape is rejected outright.
func ResolveTokenRef(ctx context.Context, ref string, v *vault.Vault) (string, error) {
	if ref == "" {
		return "", nil
	}

	if m := envDefaultPattern.FindStringSubmatch(ref); m != nil {
		if val, ok := os.LookupEnv(m[1]); ok {
			return val, nil
		}
		return m[2], nil
	}
	if m := envOnlyPattern.FindStringSubmatch(ref); m != nil {
		val, ok := os.LookupEnv(m[1])
		if !ok {
			return "", domain.InvalidConfig("token reference env var " + m[1] + " is not set")
		}
		return val, nil
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", domain.InvalidConfig("token reference env var " + name + " is not set")
		}
		return val, nil
	}
	if name, ok := strings.CutPrefix(ref, "keyring:"); ok {
		return resolveKeyring(name)
	}
	if id, ok := strings.CutPrefix(ref, "storage:"); ok {
		return resolveStorageRef(ctx, id, v)
	}

	if looksLikePlaintextToken(ref) {
		return "", domain.InvalidConfig("plain_text_token")
	}
	return ref, nil
}

func looksLikePlaintextToken(s string) bool {
	for _, shape := range plaintextTokenShapes {
		if strings.HasPrefix(s, shape) {
			return true
		}
	}
	return false
}

func resolveStorageRef(ctx context.Context, id string, v *vault.Vault) (string, error) {
	providerID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", domain.InvalidConfig("storage: token reference must name a numeric provider id")
	}
	return v.GetToken(ctx, providerID)
}

// resolveKeyring looks a token up in the OS credential store. The Rust
// original resolves this against the desktop session keyring
// (pipedash-desktop/src/keyring_store.rs); no OS-keyring library appears
// anywhere in the retrieved Go corpus, and pipedash-server runs headless, so
// this form is recognised by the grammar but always reports unsupported
// rather than silently falling through to plaintext.
func resolveKeyring(name string) (string, error) {
	return "", domain.NotSupported("keyring token references are not supported by the headless server; name=" + name)
}
