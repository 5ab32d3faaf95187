package vault

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

// CompoundStore wraps a primary Store and a secondary (fallback) Store, per
// spec.md §4.1's "fallback layering" contract: reads try primary first; on
// miss, read the fallback and, on success, copy the record forward into
// primary. Writes always go to primary and best-effort delete from fallback.
type CompoundStore struct {
	primary  Store
	fallback Store
	logger   *zap.SugaredLogger
}

// NewCompoundStore builds a primary+fallback compound store. fallback may be
// nil, in which case CompoundStore behaves exactly like primary.
func NewCompoundStore(primary, fallback Store, logger *zap.SugaredLogger) *CompoundStore {
	return &CompoundStore{primary: primary, fallback: fallback, logger: logger}
}

func (c *CompoundStore) PutEncryptedToken(ctx context.Context, tok domain.EncryptedToken) error {
	if err := c.primary.PutEncryptedToken(ctx, tok); err != nil {
		return err
	}
	if c.fallback != nil {
		if err := c.fallback.DeleteEncryptedToken(ctx, tok.ProviderID); err != nil && c.logger != nil {
			c.logger.Warnf("best-effort fallback delete failed for provider %d: %v", tok.ProviderID, err)
		}
	}
	return nil
}

func (c *CompoundStore) GetEncryptedToken(ctx context.Context, providerID int64) (domain.EncryptedToken, bool, error) {
	tok, found, err := c.primary.GetEncryptedToken(ctx, providerID)
	if err != nil {
		return domain.EncryptedToken{}, false, err
	}
	if found {
		return tok, true, nil
	}
	if c.fallback == nil {
		return domain.EncryptedToken{}, false, nil
	}

	tok, found, err = c.fallback.GetEncryptedToken(ctx, providerID)
	if err != nil || !found {
		return domain.EncryptedToken{}, false, err
	}

	// Copy forward into primary so subsequent reads hit the fast path.
	if err := c.primary.PutEncryptedToken(ctx, tok); err != nil && c.logger != nil {
		c.logger.Warnf("failed to copy token forward into primary for provider %d: %v", providerID, err)
	}
	return tok, true, nil
}

func (c *CompoundStore) DeleteEncryptedToken(ctx context.Context, providerID int64) error {
	err := c.primary.DeleteEncryptedToken(ctx, providerID)
	if c.fallback != nil {
		if ferr := c.fallback.DeleteEncryptedToken(ctx, providerID); ferr != nil && c.logger != nil {
			c.logger.Warnf("best-effort fallback delete failed for provider %d: %v", providerID, ferr)
		}
	}
	return err
}

func (c *CompoundStore) ListEncryptedTokens(ctx context.Context) ([]domain.EncryptedToken, error) {
	return c.primary.ListEncryptedTokens(ctx)
}

func (c *CompoundStore) ReplaceAllEncryptedTokens(ctx context.Context, toks []domain.EncryptedToken) error {
	return c.primary.ReplaceAllEncryptedTokens(ctx, toks)
}
