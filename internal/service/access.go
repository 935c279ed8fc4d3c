package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/identity"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/repository"
)

// AccessService manages the key of one identity. Calls for the same opaque id are serialized.
type AccessService interface {
	// EnsureAccess returns the identity's key, creating one if none exists.
	EnsureAccess(ctx context.Context, id model.Identity) (model.AccessDescriptor, error)
	// Rotate replaces the identity's key. errs.ErrNotFound when there is nothing to rotate.
	Rotate(ctx context.Context, id model.Identity) (model.AccessDescriptor, error)
	// Revoke deletes the identity's key. False when there was nothing to revoke.
	Revoke(ctx context.Context, id model.Identity) (bool, error)
	// Status returns usage of the identity's key. errs.ErrNotFound when there is none.
	Status(ctx context.Context, id model.Identity) (model.KeyUsage, error)
}

// AccessServiceImpl implements AccessService over a key store and the ledger.
//
// Every mutation is "remote call, then ledger record". A failed ledger write after a remote
// change is reported as *errs.PartialFailure and logged as alertable; the remote change stands.
type AccessServiceImpl struct {
	store KeyStore
	users repository.UserRepository
	keys  repository.KeyRepository
	audit repository.AuditRepository
	locks *keyLocks
	log   *zap.Logger
	now   func() time.Time
}

var _ AccessService = (*AccessServiceImpl)(nil)

// NewAccessService constructs AccessService with required dependencies.
func NewAccessService(
	store KeyStore,
	users repository.UserRepository,
	keys repository.KeyRepository,
	audit repository.AuditRepository,
	log *zap.Logger,
) *AccessServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccessServiceImpl{
		store: store,
		users: users,
		keys:  keys,
		audit: audit,
		locks: newKeyLocks(),
		log:   log,
		now:   time.Now,
	}
}

// EnsureAccess finds the identity's key by a full scan, mirroring it into the ledger if needed,
// or creates a new one.
func (s *AccessServiceImpl) EnsureAccess(ctx context.Context, id model.Identity) (model.AccessDescriptor, error) {
	if !id.HasID() {
		return model.AccessDescriptor{}, fmt.Errorf("%w: identity without opaque id", errs.ErrInvalidArgument)
	}
	unlock, err := s.locks.acquire(ctx, id.OpaqueID)
	if err != nil {
		return model.AccessDescriptor{}, err
	}
	defer unlock()

	user, err := s.users.Upsert(ctx, id)
	if err != nil {
		return model.AccessDescriptor{}, fmt.Errorf("ledger user: %w", err)
	}
	s.touch(ctx, user)

	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.recordError(ctx, user.ID, "ensure access", err)
		return model.AccessDescriptor{}, err
	}

	if k, ok := identity.Find(all, id); ok {
		s.mirror(ctx, user, k)
		s.record(ctx, user.ID, model.ActionGrantedExisting, "key_id="+k.ID)
		return model.AccessDescriptor{KeyID: k.ID, AccessURL: k.AccessURL}, nil
	}

	desc, err := s.create(ctx, user, id)
	if desc.KeyID == "" {
		s.recordError(ctx, user.ID, "ensure access", err)
		return desc, err
	}
	s.record(ctx, user.ID, model.ActionCreated, "key_id="+desc.KeyID)
	return desc, err
}

// Rotate deletes the current key (remote, then ledger) and creates a new one.
func (s *AccessServiceImpl) Rotate(ctx context.Context, id model.Identity) (model.AccessDescriptor, error) {
	if !id.HasID() {
		return model.AccessDescriptor{}, fmt.Errorf("%w: identity without opaque id", errs.ErrInvalidArgument)
	}
	unlock, err := s.locks.acquire(ctx, id.OpaqueID)
	if err != nil {
		return model.AccessDescriptor{}, err
	}
	defer unlock()

	user, err := s.users.Upsert(ctx, id)
	if err != nil {
		return model.AccessDescriptor{}, fmt.Errorf("ledger user: %w", err)
	}
	s.touch(ctx, user)

	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.recordError(ctx, user.ID, "rotate", err)
		return model.AccessDescriptor{}, err
	}
	old, ok := identity.Find(all, id)
	if !ok {
		return model.AccessDescriptor{}, errs.ErrNotFound
	}

	if err := s.store.Delete(ctx, old.ID); err != nil {
		s.recordError(ctx, user.ID, "rotate", err)
		return model.AccessDescriptor{}, err
	}
	s.deactivate(ctx, old.ID, id.OpaqueID, "rotate")

	desc, err := s.create(ctx, user, id)
	if desc.KeyID == "" {
		s.recordError(ctx, user.ID, "rotate", err)
		return desc, err
	}
	s.record(ctx, user.ID, model.ActionRotated, fmt.Sprintf("old_key_id=%s key_id=%s", old.ID, desc.KeyID))
	return desc, err
}

// Revoke deletes the identity's key remotely and deactivates it in the ledger.
func (s *AccessServiceImpl) Revoke(ctx context.Context, id model.Identity) (bool, error) {
	if !id.HasID() {
		return false, fmt.Errorf("%w: identity without opaque id", errs.ErrInvalidArgument)
	}
	unlock, err := s.locks.acquire(ctx, id.OpaqueID)
	if err != nil {
		return false, err
	}
	defer unlock()

	all, err := s.store.ListAll(ctx)
	if err != nil {
		return false, err
	}
	k, ok := identity.Find(all, id)
	if !ok {
		return false, nil
	}
	// The ledger row is deactivated whether or not the remote delete succeeds.
	if err := s.store.Delete(ctx, k.ID); err != nil {
		if derr := s.keys.Deactivate(ctx, k.ID); derr != nil {
			s.log.Warn("ledger deactivation failed", zap.String("key_id", k.ID), zap.Error(derr))
		}
		return false, err
	}
	s.deactivate(ctx, k.ID, id.OpaqueID, "revoke")

	var userID int64
	if u, err := s.users.GetByOpaqueID(ctx, id.OpaqueID); err == nil {
		userID = u.ID
		s.touch(ctx, u)
	}
	s.record(ctx, userID, model.ActionDeletedByUser, "key_id="+k.ID)
	return true, nil
}

// Status returns the usage of the identity's key.
func (s *AccessServiceImpl) Status(ctx context.Context, id model.Identity) (model.KeyUsage, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return model.KeyUsage{}, err
	}
	k, ok := identity.Find(all, id)
	if !ok {
		return model.KeyUsage{}, errs.ErrNotFound
	}
	u := s.store.Usage(ctx, k.ID)
	if u.Name == "" {
		u.Name = k.Name
	}
	return u, nil
}

// create makes a new remote key for id and records it. A returned descriptor with an empty
// KeyID means nothing was created.
func (s *AccessServiceImpl) create(ctx context.Context, user *model.User, id model.Identity) (model.AccessDescriptor, error) {
	name := identity.Encode(id)
	k, err := s.store.Create(ctx, name)
	var pf *errs.PartialFailure
	switch {
	case err == nil:
	case errors.As(err, &pf) && k.ID != "":
		// Key exists under a default name; ownership cannot be recovered from it later.
		pf.OpaqueID = id.OpaqueID
		s.log.Error("key created without owner name",
			zap.String("key_id", k.ID),
			zap.Int64("opaque_id", id.OpaqueID),
			zap.Bool("alert", true),
			zap.Error(err),
		)
	default:
		return model.AccessDescriptor{}, err
	}

	desc := model.AccessDescriptor{KeyID: k.ID, AccessURL: k.AccessURL}
	row := &model.Key{UserID: user.ID, KeyID: k.ID, Name: name, AccessURL: k.AccessURL}
	if lerr := s.keys.Create(ctx, row); lerr != nil && !errors.Is(lerr, errs.ErrAlreadyExists) {
		lpf := &errs.PartialFailure{Op: "record key", KeyID: k.ID, OpaqueID: id.OpaqueID, Err: lerr}
		s.log.Error("key created but ledger write failed",
			zap.String("key_id", k.ID),
			zap.Int64("opaque_id", id.OpaqueID),
			zap.Bool("alert", true),
			zap.Error(lerr),
		)
		if err == nil {
			err = lpf
		}
	}
	return desc, err
}

// mirror records an existing remote key in the ledger if it is not there yet.
func (s *AccessServiceImpl) mirror(ctx context.Context, user *model.User, k model.AccessKey) {
	_, err := s.keys.GetByKeyID(ctx, k.ID)
	if err == nil {
		return
	}
	if !errors.Is(err, errs.ErrNotFound) {
		s.log.Warn("ledger lookup failed", zap.String("key_id", k.ID), zap.Error(err))
		return
	}
	row := &model.Key{UserID: user.ID, KeyID: k.ID, Name: k.Name, AccessURL: k.AccessURL}
	if err := s.keys.Create(ctx, row); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
		s.log.Warn("mirror existing key failed", zap.String("key_id", k.ID), zap.Error(err))
	}
}

func (s *AccessServiceImpl) deactivate(ctx context.Context, keyID string, opaqueID int64, op string) {
	if err := s.keys.Deactivate(ctx, keyID); err != nil {
		s.log.Error("key deleted remotely but ledger write failed",
			zap.String("op", op),
			zap.String("key_id", keyID),
			zap.Int64("opaque_id", opaqueID),
			zap.Bool("alert", true),
			zap.Error(err),
		)
	}
}

func (s *AccessServiceImpl) touch(ctx context.Context, u *model.User) {
	if err := s.users.TouchActivity(ctx, u.ID, s.now()); err != nil {
		s.log.Debug("touch activity failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

func (s *AccessServiceImpl) record(ctx context.Context, userID int64, kind model.ActionKind, details string) {
	appendAudit(ctx, s.audit, s.log, userID, kind, details)
}

func (s *AccessServiceImpl) recordError(ctx context.Context, userID int64, op string, err error) {
	appendAudit(ctx, s.audit, s.log, userID, model.ActionError, op+": "+err.Error())
}

// appendAudit writes an audit entry. Audit failures are logged, never returned.
func appendAudit(ctx context.Context, audit repository.AuditRepository, log *zap.Logger, userID int64, kind model.ActionKind, details string) {
	e := &model.AuditEntry{UserID: userID, Kind: kind, Details: details}
	if err := audit.Append(ctx, e); err != nil {
		log.Warn("audit append failed",
			zap.String("kind", string(kind)),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}
