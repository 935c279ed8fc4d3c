// Package service contains the access lifecycle, reconciliation, usage and admin services.
package service

import (
	"context"
	"time"

	"github.com/itbali/vpn-validator-bot/internal/model"
)

// KeyStore is the remote VPN key store. *outline.Client satisfies it.
type KeyStore interface {
	// Create makes a key named name. On *errs.PartialFailure the returned key is still valid.
	Create(ctx context.Context, name string) (model.AccessKey, error)
	// Delete removes a key; an absent key is not an error.
	Delete(ctx context.Context, keyID string) error
	// ListAll returns every remote key, or an error. Never an empty slice on failure.
	ListAll(ctx context.Context) ([]model.AccessKey, error)
	// Usage merges metrics and metadata for one key, defaulting missing parts.
	Usage(ctx context.Context, keyID string) model.KeyUsage
	// Transfer returns bytes per key id.
	Transfer(ctx context.Context) (map[string]int64, error)
	// LastActive returns last activity per key id.
	LastActive(ctx context.Context) (map[string]time.Time, error)
}
