package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pipedash/pipedash/pkg/domain"
)

// backupSalt is the fixed, spec-mandated salt for backup key derivation
// (spec.md §6): distinct from the live vault's own salt so a backup password
// never collides with the session password's key space.
const backupSalt = "pipedash-backup-salt-v1"

type backupEntry struct {
	ProviderID int64  `json:"provider_id"`
	Plaintext  string `json:"plaintext"`
}

// ExportEncrypted dumps every (provider_id -> plaintext) pair known to the
// vault, re-encrypted as a single blob under a key derived from
// backupPassword with the fixed backup salt. Format: nonce(12) || ciphertext.
// The returned exportID is a random identifier for this export, logged by
// callers alongside the blob's destination for audit purposes; it is not
// embedded in the blob and is not required to restore it.
func (v *Vault) ExportEncrypted(ctx context.Context, backupPassword string) (exportID string, blob []byte, err error) {
	key, err := v.currentKey()
	if err != nil {
		return "", nil, err
	}

	toks, err := v.store.ListEncryptedTokens(ctx)
	if err != nil {
		return "", nil, domain.DatabaseError(err)
	}

	entries := make([]backupEntry, 0, len(toks))
	for _, t := range toks {
		plaintext, derr := decrypt(key, t.Nonce, t.Ciphertext)
		if derr != nil {
			return "", nil, domain.AuthFailed("authentication failed")
		}
		entries = append(entries, backupEntry{ProviderID: t.ProviderID, Plaintext: plaintext})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return "", nil, domain.InternalError(err)
	}

	backupKey := deriveKey(backupPassword, []byte(backupSalt))
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, domain.InternalError(err)
	}

	ciphertext, err := encrypt(backupKey, nonce, string(payload))
	if err != nil {
		return "", nil, domain.InternalError(err)
	}

	blob = make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return uuid.NewString(), blob, nil
}

// ImportEncrypted decrypts blob with backupPassword and rewrites token
// storage in full with the restored (provider_id -> plaintext) pairs.
func (v *Vault) ImportEncrypted(ctx context.Context, blob []byte, backupPassword string) error {
	if len(blob) < nonceSize {
		return domain.InvalidConfig("encrypted blob shorter than nonce size")
	}

	key, err := v.currentKey()
	if err != nil {
		return err
	}

	backupKey := deriveKey(backupPassword, []byte(backupSalt))
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]

	payload, err := decrypt(backupKey, nonce, ciphertext)
	if err != nil {
		return domain.AuthFailed("authentication failed")
	}

	var entries []backupEntry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return domain.InvalidConfig("corrupt backup payload")
	}

	fresh := make([]domain.EncryptedToken, 0, len(entries))
	for _, e := range entries {
		n := make([]byte, nonceSize)
		if _, err := rand.Read(n); err != nil {
			return domain.InternalError(err)
		}
		ct, err := encrypt(key, n, e.Plaintext)
		if err != nil {
			return domain.InternalError(err)
		}
		fresh = append(fresh, domain.EncryptedToken{ProviderID: e.ProviderID, Nonce: n, Ciphertext: ct})
	}

	if err := v.store.ReplaceAllEncryptedTokens(ctx, fresh); err != nil {
		return domain.DatabaseError(err)
	}

	v.mu.Lock()
	v.plaintextCache = make(map[int64]string)
	for _, e := range entries {
		v.plaintextCache[e.ProviderID] = e.Plaintext
	}
	v.mu.Unlock()
	return nil
}

// VersionTag wraps a single encrypted value with the "enc:v1:" ASCII prefix
// plus base64 nonce and ciphertext from spec.md §6, for individual values (as
// opposed to the full backup blob above). Nothing in this module calls it.
func VersionTag(nonce, ciphertext []byte) string {
	return fmt.Sprintf("enc:v1:%s:%s", base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ciphertext))
}
