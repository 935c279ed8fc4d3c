// Package model defines domain entities used by services and repositories.
package model

import "time"

// Identity is an external chat identity. Equality is by OpaqueID.
type Identity struct {
	OpaqueID    int64  // stable numeric id; 0 when unknown (handle-only decode)
	Handle      string // mutable alias without '@', may be empty
	DisplayName string
}

// HasID reports whether the numeric id is known.
func (i Identity) HasID() bool { return i.OpaqueID != 0 }

// AccessKey is a key as the remote VPN store reports it. Ownership lives only in Name.
type AccessKey struct {
	ID        string
	Name      string
	AccessURL string
	Method    string
}

// KeyUsage merges the metrics and metadata endpoints for one key.
// Missing pieces are left zero.
type KeyUsage struct {
	KeyID      string
	Name       string
	DataBytes  int64
	LastActive *time.Time
}

// AccessDescriptor is what the UI shows a user after a successful lifecycle call.
type AccessDescriptor struct {
	KeyID     string
	AccessURL string
}

// User is the ledger mirror of an identity.
type User struct {
	ID          int64 // surrogate
	OpaqueID    int64 // unique
	Handle      string
	DisplayName string
	IsAdmin     bool
	CreatedAt   time.Time
	LastActive  *time.Time
}

// Key is the ledger mirror of a remote access key.
type Key struct {
	ID         int64 // surrogate
	UserID     int64 // FK -> users.id
	KeyID      string
	Name       string
	AccessURL  string
	CreatedAt  time.Time
	LastActive *time.Time
	DataBytes  int64
	IsActive   bool
}

// UsageSample is one append-only usage observation.
type UsageSample struct {
	ID        int64
	KeyRowID  int64 // FK -> vpn_keys.id
	Timestamp time.Time
	DataBytes int64
}

// ActionKind names an audit entry.
type ActionKind string

// Audit action kinds.
const (
	ActionGrantedExisting ActionKind = "access_granted_existing"
	ActionCreated         ActionKind = "access_created"
	ActionRotated         ActionKind = "access_rotated"
	ActionDeletedByUser   ActionKind = "access_deleted_by_user"
	ActionRevokedAuto     ActionKind = "access_revoked_auto"
	ActionRevokedByAdmin  ActionKind = "access_revoked_by_admin"
	ActionError           ActionKind = "error"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        int64
	UserID    int64 // FK -> users.id
	Kind      ActionKind
	Timestamp time.Time
	Details   string
}

// LedgerStats aggregates the ledger for the admin surface.
type LedgerStats struct {
	TotalUsers int64
	ActiveKeys int64
	TotalBytes int64
}

// KeyInfo is the admin view of one key. Owner is zero when the name does not decode.
type KeyInfo struct {
	KeyID      string
	Name       string
	Owner      Identity
	DataBytes  int64
	LastActive *time.Time
}

// ServerStats summarizes the remote store and the ledger.
type ServerStats struct {
	RemoteKeys int64 // keys on the server
	UsedKeys   int64 // keys with non-zero transfer
	TotalBytes int64 // transfer across all keys
	Ledger     LedgerStats
}

// Session is an issued admin bearer token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}
