// Package vault implements the on-chain vault adapters. Successive vault
// contract generations differ in ABI and in whether borrowing happens
// on-chain; each generation is one adapter type behind the single
// domain.VaultAdapter interface, selected per chain by configuration. The
// rest of the system never sees generation differences.
package vault

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// Registry resolves the vault adapter for a chain ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[int64]domain.VaultAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int64]domain.VaultAdapter)}
}

// Register adds an adapter, keyed by its chain ID. The last registration for
// a chain wins.
func (r *Registry) Register(a domain.VaultAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChainID()] = a
}

// ForChain returns the adapter registered for the chain.
func (r *Registry) ForChain(chain int64) (domain.VaultAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("vault: no adapter registered for chain %d: %w", chain, domain.ErrNotFound)
	}
	return a, nil
}

// NewForChain builds the adapter for one configured chain, picking the
// generation from vault_version.
func NewForChain(ctx context.Context, cc config.ChainConfig, key *ecdsa.PrivateKey, logger *slog.Logger) (domain.VaultAdapter, error) {
	cfg := EVMConfig{
		ChainID:      cc.ID,
		RPCURL:       cc.RPCURL,
		VaultAddress: cc.VaultAddress,
	}
	switch cc.VaultVersion {
	case 1:
		return NewV1(ctx, cfg, key, logger)
	case 2:
		return NewV2(ctx, cfg, key, logger)
	default:
		return nil, fmt.Errorf("vault: unsupported vault version %d for chain %d", cc.VaultVersion, cc.ID)
	}
}
