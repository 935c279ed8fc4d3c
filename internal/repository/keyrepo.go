package repository

import (
	"context"
	"time"

	"github.com/itbali/vpn-validator-bot/internal/model"
)

// KeyRepository mirrors remote access keys. The remote store stays authoritative.
type KeyRepository interface {
	// Create inserts a key row and sets k.ID. A duplicate key_id is errs.ErrAlreadyExists.
	Create(ctx context.Context, k *model.Key) error
	// GetByKeyID loads a key by remote id.
	GetByKeyID(ctx context.Context, keyID string) (*model.Key, error)
	// ActiveForUser returns the user's active keys, newest first.
	ActiveForUser(ctx context.Context, userID int64) ([]model.Key, error)
	// Deactivate clears is_active. Deactivating a missing or inactive key is not an error.
	Deactivate(ctx context.Context, keyID string) error
	// RecordUsage stores the latest counters on the key and appends a usage sample.
	RecordUsage(ctx context.Context, keyID string, dataBytes int64, lastActive *time.Time, at time.Time) error
	// ListActive returns every active key.
	ListActive(ctx context.Context) ([]model.Key, error)
	// ListInactive returns active keys not used since cutoff (or never used).
	ListInactive(ctx context.Context, cutoff time.Time) ([]model.Key, error)
	// Stats aggregates users, active keys and transferred bytes.
	Stats(ctx context.Context) (model.LedgerStats, error)
}

// AuditRepository appends to and reads the action log.
type AuditRepository interface {
	// Append inserts an entry and sets e.ID. UserID 0 stores no owner.
	Append(ctx context.Context, e *model.AuditEntry) error
	// CountByKind counts entries of one kind.
	CountByKind(ctx context.Context, kind model.ActionKind) (int64, error)
	// ListRecent returns the user's latest entries, newest first.
	ListRecent(ctx context.Context, userID int64, limit int) ([]model.AuditEntry, error)
}
