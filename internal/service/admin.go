package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/identity"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/repository"
)

// AdminService backs the operator surface. It may expose key ids and raw timestamps.
type AdminService interface {
	Stats(ctx context.Context) (model.ServerStats, error)
	Keys(ctx context.Context) ([]model.KeyInfo, error)
	Inactive(ctx context.Context) ([]model.KeyInfo, error)
	UserInfo(ctx context.Context, handle string) (model.KeyInfo, error)
	// RevokeByHandle deletes the key of a handle and returns the owner's opaque id when known.
	RevokeByHandle(ctx context.Context, handle string) (model.KeyInfo, error)
}

// Notifier tells an identity that an operator revoked its key.
type Notifier interface {
	NotifyRevoked(ctx context.Context, opaqueID int64) error
}

// AdminServiceImpl implements AdminService.
type AdminServiceImpl struct {
	store         KeyStore
	users         repository.UserRepository
	keys          repository.KeyRepository
	audit         repository.AuditRepository
	notifier      Notifier
	inactiveAfter time.Duration
	log           *zap.Logger
	now           func() time.Time
}

var _ AdminService = (*AdminServiceImpl)(nil)

// NewAdminService constructs AdminService. Keys idle longer than inactiveAfter are inactive.
func NewAdminService(
	store KeyStore,
	users repository.UserRepository,
	keys repository.KeyRepository,
	audit repository.AuditRepository,
	inactiveAfter time.Duration,
	log *zap.Logger,
) *AdminServiceImpl {
	if inactiveAfter <= 0 {
		inactiveAfter = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminServiceImpl{
		store:         store,
		users:         users,
		keys:          keys,
		audit:         audit,
		inactiveAfter: inactiveAfter,
		log:           log,
		now:           time.Now,
	}
}

// SetNotifier enables revocation notices after RevokeByHandle. Notices are best effort.
func (s *AdminServiceImpl) SetNotifier(n Notifier) { s.notifier = n }

// Stats combines one key listing, one transfer fetch and the ledger aggregates.
func (s *AdminServiceImpl) Stats(ctx context.Context) (model.ServerStats, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return model.ServerStats{}, err
	}
	out := model.ServerStats{RemoteKeys: int64(len(all))}

	if transfer, err := s.store.Transfer(ctx); err == nil {
		for _, k := range all {
			if b := transfer[k.ID]; b > 0 {
				out.UsedKeys++
				out.TotalBytes += b
			}
		}
	} else {
		s.log.Debug("stats without transfer metrics", zap.Error(err))
	}

	ledger, err := s.keys.Stats(ctx)
	if err != nil {
		return model.ServerStats{}, err
	}
	out.Ledger = ledger
	return out, nil
}

// Keys lists every remote key with usage and decoded owner.
func (s *AdminServiceImpl) Keys(ctx context.Context) ([]model.KeyInfo, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	transfer, err := s.store.Transfer(ctx)
	if err != nil {
		s.log.Debug("key list without transfer metrics", zap.Error(err))
	}
	activity, err := s.store.LastActive(ctx)
	if err != nil {
		s.log.Debug("key list without activity metrics", zap.Error(err))
	}

	out := make([]model.KeyInfo, 0, len(all))
	for _, k := range all {
		info := model.KeyInfo{KeyID: k.ID, Name: k.Name, DataBytes: transfer[k.ID]}
		if owner, err := identity.Decode(k.Name); err == nil {
			info.Owner = owner
		}
		if ts, ok := activity[k.ID]; ok {
			info.LastActive = &ts
		}
		out = append(out, info)
	}
	return out, nil
}

// Inactive lists ledger-active keys idle for longer than the configured threshold.
func (s *AdminServiceImpl) Inactive(ctx context.Context) ([]model.KeyInfo, error) {
	rows, err := s.keys.ListInactive(ctx, s.now().Add(-s.inactiveAfter))
	if err != nil {
		return nil, err
	}
	out := make([]model.KeyInfo, 0, len(rows))
	for _, k := range rows {
		info := model.KeyInfo{KeyID: k.KeyID, Name: k.Name, DataBytes: k.DataBytes, LastActive: k.LastActive}
		if owner, err := identity.Decode(k.Name); err == nil {
			info.Owner = owner
		}
		out = append(out, info)
	}
	return out, nil
}

// UserInfo returns the key of a handle with its usage.
func (s *AdminServiceImpl) UserInfo(ctx context.Context, handle string) (model.KeyInfo, error) {
	k, err := s.findByHandle(ctx, handle)
	if err != nil {
		return model.KeyInfo{}, err
	}
	u := s.store.Usage(ctx, k.ID)
	info := model.KeyInfo{KeyID: k.ID, Name: k.Name, DataBytes: u.DataBytes, LastActive: u.LastActive}
	info.Owner = s.owner(ctx, k)
	return info, nil
}

// RevokeByHandle deletes the handle's key remotely, deactivates it and audits the action.
func (s *AdminServiceImpl) RevokeByHandle(ctx context.Context, handle string) (model.KeyInfo, error) {
	k, err := s.findByHandle(ctx, handle)
	if err != nil {
		return model.KeyInfo{}, err
	}
	info := model.KeyInfo{KeyID: k.ID, Name: k.Name, Owner: s.owner(ctx, k)}

	if err := s.store.Delete(ctx, k.ID); err != nil {
		if derr := s.keys.Deactivate(ctx, k.ID); derr != nil {
			s.log.Warn("ledger deactivation failed", zap.String("key_id", k.ID), zap.Error(derr))
		}
		return model.KeyInfo{}, err
	}
	if err := s.keys.Deactivate(ctx, k.ID); err != nil {
		s.log.Error("key revoked remotely but ledger write failed",
			zap.String("key_id", k.ID),
			zap.Int64("opaque_id", info.Owner.OpaqueID),
			zap.Bool("alert", true),
			zap.Error(err),
		)
	}

	var userID int64
	if info.Owner.HasID() {
		if u, err := s.users.GetByOpaqueID(ctx, info.Owner.OpaqueID); err == nil {
			userID = u.ID
		}
	}
	appendAudit(ctx, s.audit, s.log, userID, model.ActionRevokedByAdmin, "key_id="+k.ID)

	if s.notifier != nil && info.Owner.HasID() {
		if err := s.notifier.NotifyRevoked(ctx, info.Owner.OpaqueID); err != nil {
			s.log.Warn("revocation notice failed", zap.Int64("opaque_id", info.Owner.OpaqueID), zap.Error(err))
		}
	}
	return info, nil
}

func (s *AdminServiceImpl) findByHandle(ctx context.Context, handle string) (model.AccessKey, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return model.AccessKey{}, fmt.Errorf("%w: empty handle", errs.ErrInvalidArgument)
	}
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return model.AccessKey{}, err
	}
	k, ok := identity.Find(all, model.Identity{Handle: handle})
	if !ok {
		return model.AccessKey{}, errs.ErrNotFound
	}
	return k, nil
}

// owner decodes the key name and fills the opaque id from the ledger for handle-named keys.
func (s *AdminServiceImpl) owner(ctx context.Context, k model.AccessKey) model.Identity {
	owner, err := identity.Decode(k.Name)
	if err != nil || owner.HasID() {
		return owner
	}
	row, err := s.keys.GetByKeyID(ctx, k.ID)
	if err != nil {
		return owner
	}
	if u, err := s.users.GetByID(ctx, row.UserID); err == nil {
		owner.OpaqueID = u.OpaqueID
	}
	return owner
}
