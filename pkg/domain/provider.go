// Package domain holds the normalised value types shared by every Pipedash
// component: providers, pipelines, runs, events and the closed error taxonomy.
package domain

import "time"

// ProviderType is the closed set of driver tags the registry understands.
type ProviderType string

const (
	ProviderGitHub    ProviderType = "github"
	ProviderGitLab    ProviderType = "gitlab"
	ProviderBitbucket ProviderType = "bitbucket"
	ProviderJenkins   ProviderType = "jenkins"
	ProviderBuildkite ProviderType = "buildkite"
	ProviderArgoCD    ProviderType = "argocd"
	ProviderTekton    ProviderType = "tekton"
)

// KnownProviderTypes lists the minimum driver set spec.md §4.3 requires.
func KnownProviderTypes() []ProviderType {
	return []ProviderType{
		ProviderGitHub, ProviderGitLab, ProviderBitbucket,
		ProviderJenkins, ProviderBuildkite, ProviderArgoCD, ProviderTekton,
	}
}

// FetchStatus is the outcome of the most recent driver fetch for a provider.
type FetchStatus string

const (
	FetchStatusSuccess FetchStatus = "success"
	FetchStatusError   FetchStatus = "error"
	FetchStatusNever   FetchStatus = "never"
)

// Provider is a configured CI/CD source.
type Provider struct {
	ID                      int64
	Name                    string
	DisplayName             string
	ProviderType            ProviderType
	RefreshIntervalSeconds  int
	OpaqueConfig            map[string]string
	Version                 int64
	LastFetchStatus         FetchStatus
	LastFetchError          string
	LastFetchAt             *time.Time
	CreatedAt               time.Time
}

// ProviderSummary is what list_providers composes: persisted config joined with
// cached pipeline counts and freshness.
type ProviderSummary struct {
	Provider
	PipelineCount  int
	LastUpdatedAt  *time.Time
}

// Token is the plaintext credential bound to a provider. It is never
// serialised outside the vault; storage only ever sees the encrypted form
// (see EncryptedToken).
type Token struct {
	ProviderID int64
	Plaintext  string
}

// EncryptedToken is the on-disk representation of a Token.
type EncryptedToken struct {
	ProviderID int64
	Nonce      []byte
	Ciphertext []byte
}

// ProviderPermissions is a cached snapshot of a provider's effective scopes,
// refreshed opportunistically by validate_credentials.
type ProviderPermissions struct {
	ProviderID int64
	Scopes     []string
	CheckedAt  time.Time
}
