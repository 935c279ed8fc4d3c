// Package errs contains sentinel and typed errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested key or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., key_id already mirrored).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates a request that cannot be served as given.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDecode indicates a key name that does not carry a recognizable owner token.
	ErrDecode = errors.New("undecodable key name")

	// ErrUnknownMembership indicates the membership oracle could not answer.
	ErrUnknownMembership = errors.New("membership unknown")

	// ErrUnauthorized indicates failed admin authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary admin login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)

// RemoteError wraps a transport failure, timeout or non-2xx answer from the key store or the oracle.
type RemoteError struct {
	Op     string
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Remote is a shorthand constructor for RemoteError.
func Remote(op string, status int, err error) *RemoteError {
	return &RemoteError{Op: op, Status: status, Err: err}
}

// IsRemote reports whether err is (or wraps) a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// PartialFailure reports a mutation that only half happened: the remote store changed but the
// follow-up step (rename, ledger write) did not. It carries enough context for manual repair.
type PartialFailure struct {
	Op       string
	KeyID    string
	OpaqueID int64
	Err      error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure in %s (key_id=%s opaque_id=%d): %v", e.Op, e.KeyID, e.OpaqueID, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }
