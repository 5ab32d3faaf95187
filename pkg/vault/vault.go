// Package vault implements authenticated encryption of provider tokens, key
// derivation via Argon2id, and the runtime unlock/lock lifecycle described in
// spec.md §4.1.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/pipedash/pipedash/pkg/domain"
)

const (
	argonTimeCost   = 1
	argonMemoryKiB  = 4096
	argonThreads    = 1
	argonKeyLen     = 32
	nonceSize       = 12
	saltDomainLabel = "pipedash-vault-salt-v1"
)

// Store is the persistence contract the vault drives. Concrete implementations
// live behind pkg/storage; CompoundStore (see compound.go) layers a fallback
// Store behind a primary one.
type Store interface {
	PutEncryptedToken(ctx context.Context, tok domain.EncryptedToken) error
	GetEncryptedToken(ctx context.Context, providerID int64) (domain.EncryptedToken, bool, error)
	DeleteEncryptedToken(ctx context.Context, providerID int64) error
	ListEncryptedTokens(ctx context.Context) ([]domain.EncryptedToken, error)
	ReplaceAllEncryptedTokens(ctx context.Context, toks []domain.EncryptedToken) error
}

// Vault derives a per-session key from a password, and uses it to encrypt and
// decrypt provider tokens at rest.
type Vault struct {
	store  Store
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	key         []byte // nil when locked
	plaintextCache map[int64]string
}

// New constructs a locked Vault over the given store.
func New(store Store, logger *zap.SugaredLogger) *Vault {
	return &Vault{
		store:          store,
		logger:         logger,
		plaintextCache: make(map[int64]string),
	}
}

// deriveKey runs Argon2id with the parameters fixed by spec.md §4.1.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTimeCost, argonMemoryKiB, argonThreads, argonKeyLen)
}

// vaultSalt derives a deterministic, domain-separated salt by hashing the
// fixed saltDomainLabel. Pipedash has a single vault per data directory, so the salt
// only needs to be stable across process restarts, not unique per password;
// it is not a secret.
func vaultSalt() []byte {
	sum := sha256.Sum256([]byte(saltDomainLabel))
	return sum[:16]
}

// IsUnlocked reports whether a key is currently held in memory.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Unlock derives the key from password and verifies it against one existing
// encrypted record (if any exist). On success the key and a freshly emptied
// decrypted-token cache are committed; on wrong password or corruption the
// vault remains locked.
//
// Argon2id is CPU-bound; callers on a latency-sensitive path (the HTTP
// middleware's goroutine-per-request model already satisfies this) should not
// call Unlock from code that must stay responsive to other work on the same
// goroutine.
func (v *Vault) Unlock(ctx context.Context, password string) error {
	key := deriveKey(password, vaultSalt())

	toks, err := v.store.ListEncryptedTokens(ctx)
	if err != nil {
		return domain.DatabaseError(err)
	}

	if len(toks) > 0 {
		if _, err := decrypt(key, toks[0].Nonce, toks[0].Ciphertext); err != nil {
			// Wrong password and corrupted ciphertext are intentionally
			// indistinguishable, per spec.md §4.1.
			return domain.AuthFailed("authentication failed")
		}
	}

	v.mu.Lock()
	v.key = key
	v.plaintextCache = make(map[int64]string)
	v.mu.Unlock()

	if v.logger != nil {
		v.logger.Info("vault unlocked")
	}
	return nil
}

// Lock drops the key and the decrypted-token cache from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.key {
		v.key[k] = 0
	}
	v.key = nil
	v.plaintextCache = make(map[int64]string)
}

func (v *Vault) currentKey() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, domain.NotInitialized("vault is locked")
	}
	return v.key, nil
}

// StoreToken encrypts plaintext under a fresh random nonce and persists it,
// replacing any existing record for providerID. The decrypted cache is
// updated so immediately-subsequent reads avoid a round trip.
func (v *Vault) StoreToken(ctx context.Context, providerID int64, plaintext string) error {
	key, err := v.currentKey()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.InternalError(err)
	}

	ciphertext, err := encrypt(key, nonce, plaintext)
	if err != nil {
		return domain.InternalError(err)
	}

	if err := v.store.PutEncryptedToken(ctx, domain.EncryptedToken{
		ProviderID: providerID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}); err != nil {
		return domain.DatabaseError(err)
	}

	v.mu.Lock()
	v.plaintextCache[providerID] = plaintext
	v.mu.Unlock()
	return nil
}

// GetToken returns the plaintext token for providerID, reading through the
// decrypted cache on hit and decrypting from storage on miss.
func (v *Vault) GetToken(ctx context.Context, providerID int64) (string, error) {
	v.mu.RLock()
	if pt, ok := v.plaintextCache[providerID]; ok {
		v.mu.RUnlock()
		return pt, nil
	}
	v.mu.RUnlock()

	key, err := v.currentKey()
	if err != nil {
		return "", err
	}

	enc, found, err := v.store.GetEncryptedToken(ctx, providerID)
	if err != nil {
		return "", domain.DatabaseError(err)
	}
	if !found {
		return "", domain.ProviderNotFound(fmt.Sprintf("no token for provider %d", providerID))
	}
	if len(enc.Nonce) < nonceSize {
		return "", domain.InvalidConfig("stored nonce too short")
	}

	plaintext, err := decrypt(key, enc.Nonce, enc.Ciphertext)
	if err != nil {
		return "", domain.AuthFailed("authentication failed")
	}

	v.mu.Lock()
	v.plaintextCache[providerID] = plaintext
	v.mu.Unlock()
	return plaintext, nil
}

// DeleteToken removes a provider's token from storage and the decrypted cache.
func (v *Vault) DeleteToken(ctx context.Context, providerID int64) error {
	if err := v.store.DeleteEncryptedToken(ctx, providerID); err != nil {
		return domain.DatabaseError(err)
	}
	v.mu.Lock()
	delete(v.plaintextCache, providerID)
	v.mu.Unlock()
	return nil
}

func encrypt(key, nonce []byte, plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, []byte(plaintext), nil), nil
}

func decrypt(key, nonce, ciphertext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
