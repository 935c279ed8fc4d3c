// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/itbali/vpn-validator-bot/internal/model"
)

// UserRepository mirrors chat identities in the ledger.
type UserRepository interface {
	// Upsert inserts the identity or refreshes its handle and display name.
	Upsert(ctx context.Context, id model.Identity) (*model.User, error)
	// GetByID loads a user by surrogate id.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByOpaqueID loads a user by chat id.
	GetByOpaqueID(ctx context.Context, opaqueID int64) (*model.User, error)
	// FindByHandle returns users whose handle contains fragment, case-insensitively.
	FindByHandle(ctx context.Context, fragment string) ([]model.User, error)
	// TouchActivity sets last_active.
	TouchActivity(ctx context.Context, userID int64, at time.Time) error
	// Count returns the number of users.
	Count(ctx context.Context) (int64, error)
}
