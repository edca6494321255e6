package config

import (
	"context"
	"fmt"

	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/pkg/banlist"
	banstore "github.com/marmos91/canvasd/pkg/banlist/badger"
)

// BanPolicyResult holds the ban policy built from configuration.
type BanPolicyResult struct {
	// Policy combines the static address list and the ban store (never nil)
	Policy banlist.Policy

	// Watcher follows the persistent ban store, nil unless bans.store.type
	// is badger
	Watcher *banstore.Watcher
}

// Close stops following the ban store, if any.
func (r *BanPolicyResult) Close() error {
	if r.Watcher == nil {
		return nil
	}
	return r.Watcher.Close()
}

// CreateBanPolicy builds the admission ban policy from the bans section.
//
// Static addresses are always consulted. When the store type is "badger",
// entries managed with "canvasd ban" are consulted as well: the store is read
// once here and then reread every refresh_interval, so bans added while the
// server runs take effect without a restart.
func CreateBanPolicy(ctx context.Context, cfg *BansConfig) (*BanPolicyResult, error) {
	list, err := banlist.ParseList(cfg.Addresses)
	if err != nil {
		return nil, fmt.Errorf("invalid ban list: %w", err)
	}

	result := &BanPolicyResult{Policy: list}

	switch cfg.Store.Type {
	case "memory", "":
		logger.Debug("Ban store: memory (%d static entries)", list.Len())
	case "badger":
		badgerCfg, err := banstore.DecodeConfig(cfg.Store.Badger)
		if err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		watcher := banstore.NewWatcher(badgerCfg)
		if err := watcher.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("failed to read ban store: %w", err)
		}
		watcher.Start()

		result.Watcher = watcher
		result.Policy = banlist.Chain(list, watcher)
		logger.Debug("Ban store: badger (%d static entries, %d stored)", list.Len(), watcher.Len())
	default:
		return nil, fmt.Errorf("unknown ban store type: %q", cfg.Store.Type)
	}

	return result, nil
}

// OpenBanStore opens the BadgerDB ban store regardless of the selected type.
// Used by the ban management commands.
func OpenBanStore(ctx context.Context, cfg *BanStoreConfig) (*banstore.Store, error) {
	badgerCfg, err := banstore.DecodeConfig(cfg.Badger)
	if err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	store, err := banstore.Open(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open ban store: %w", err)
	}

	return store, nil
}
