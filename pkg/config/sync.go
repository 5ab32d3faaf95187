package config

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/service"
	"github.com/pipedash/pipedash/pkg/vault"
)

// SyncResult reports the three-way reconciliation outcome from spec.md §4.5
// scenario 6: names added because the file declares them but the DB doesn't,
// names updated because both sides have them but the file's config differs,
// and names removed because the DB has them, the file doesn't, and
// delete_orphans is set.
type SyncResult struct {
	Added   []string
	Updated []string
	Removed []string
}

// SyncProviders reconciles File.Providers against the database through
// providerSvc, returning the three-way diff. File-defined providers always
// win on conflicting fields; DB-only providers survive unless deleteOrphans.
func SyncProviders(ctx context.Context, file File, providerSvc *service.ProviderService, v *vault.Vault, logger *zap.SugaredLogger) (SyncResult, error) {
	existing, err := providerSvc.ListProviders(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	byName := make(map[string]domain.Provider, len(existing))
	for _, p := range existing {
		byName[p.Name] = p.Provider
	}

	var result SyncResult
	seen := make(map[string]bool, len(file.Providers))

	for name, pc := range file.Providers {
		seen[name] = true
		token, err := ResolveTokenRef(ctx, pc.Token, v)
		if err != nil {
			logger.Warnw("skipping provider from config, bad token reference", "provider", name, "error", err)
			continue
		}

		desired := domain.Provider{
			Name:                   name,
			DisplayName:            pc.DisplayName,
			ProviderType:           domain.ProviderType(pc.Type),
			RefreshIntervalSeconds: pc.RefreshIntervalSeconds,
			OpaqueConfig:           pc.OpaqueConfig,
		}

		current, ok := byName[name]
		if !ok {
			if _, err := providerSvc.AddProvider(ctx, desired, token); err != nil {
				logger.Warnw("failed to add provider from config", "provider", name, "error", err)
				continue
			}
			result.Added = append(result.Added, name)
			continue
		}

		if providerConfigChanged(current, desired) {
			desired.ID = current.ID
			if err := providerSvc.UpdateProvider(ctx, desired, token); err != nil {
				logger.Warnw("failed to update provider from config", "provider", name, "error", err)
				continue
			}
			result.Updated = append(result.Updated, name)
		}
	}

	if file.DeleteOrphans {
		for name, p := range byName {
			if seen[name] {
				continue
			}
			if err := providerSvc.RemoveProvider(ctx, p.ID); err != nil {
				logger.Warnw("failed to remove orphaned provider", "provider", name, "error", err)
				continue
			}
			result.Removed = append(result.Removed, name)
		}
	}

	return result, nil
}

func providerConfigChanged(current, desired domain.Provider) bool {
	if current.DisplayName != desired.DisplayName {
		return true
	}
	if current.ProviderType != desired.ProviderType {
		return true
	}
	if current.RefreshIntervalSeconds != desired.RefreshIntervalSeconds {
		return true
	}
	if len(current.OpaqueConfig) != len(desired.OpaqueConfig) {
		return true
	}
	for k, v := range desired.OpaqueConfig {
		if current.OpaqueConfig[k] != v {
			return true
		}
	}
	return false
}
