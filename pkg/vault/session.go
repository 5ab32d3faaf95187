package vault

import "os"

// vaultPasswordEnv names the process-wide password variable spec.md §9
// describes. This package only reads it: nothing sets it on unlock or clears
// it on lock, and a password obtained at runtime is held in the Session
// instead, never persisted. It is intentionally the only read site for
// PIPEDASH_VAULT_PASSWORD in the codebase; every other component should go
// through Session.
const vaultPasswordEnv = "PIPEDASH_VAULT_PASSWORD"

// PasswordSource is surfaced by GET /api/v1/vault/status.
type PasswordSource string

const (
	SourceEnvVar PasswordSource = "env_var"
	SourceSession PasswordSource = "session"
	SourceNone   PasswordSource = "none"
)

// Session is the narrow accessor spec.md §9 asks for: it hides direct reads
// of the vault password environment variable behind a small surface so the
// rest of the codebase never touches os.Getenv/os.Setenv for it directly.
type Session struct {
	// sessionPassword holds a password set programmatically (e.g. from the
	// setup flow) when PIPEDASH_VAULT_PASSWORD was not present at startup.
	sessionPassword string
	hasSession      bool
}

// NewSession returns a Session with no session password; Password consults
// the environment on every call.
func NewSession() *Session { return &Session{} }

// Password returns the active vault password and where it came from.
func (s *Session) Password() (string, PasswordSource) {
	if v, ok := os.LookupEnv(vaultPasswordEnv); ok && v != "" {
		return v, SourceEnvVar
	}
	if s.hasSession {
		return s.sessionPassword, SourceSession
	}
	return "", SourceNone
}

// SetSession records a password obtained outside the environment (e.g. the
// first-time setup wizard), without persisting it to disk.
func (s *Session) SetSession(password string) {
	s.sessionPassword = password
	s.hasSession = true
}

// Clear drops any in-memory session password. It does not touch the
// environment variable, which the process owns for its own lifetime.
func (s *Session) Clear() {
	s.sessionPassword = ""
	s.hasSession = false
}

// RequiresPassword reports whether any password source is configured.
func (s *Session) RequiresPassword() bool {
	_, src := s.Password()
	return src != SourceNone
}
