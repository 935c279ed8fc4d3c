package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/identity"
	"github.com/itbali/vpn-validator-bot/internal/membership"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/repository"
)

// ErrCycleRunning is returned when a reconciliation cycle is requested while one is in flight.
var ErrCycleRunning = errors.New("reconciliation cycle already running")

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Aborted    bool

	Listed      int // remote keys seen
	Undecodable int // names without an owner token
	HandleOnly  int // owner known only by handle; never auto-revoked
	Exempt      int
	Checked     int // membership queries issued
	Unknown     int // membership query failed
	Revoked     int
	Failed      int // revocation attempted but remote delete failed
	Orphans     int // ledger-active keys missing remotely, deactivated
}

// ReconcilerConfig tunes the engine.
type ReconcilerConfig struct {
	Interval     time.Duration // between cycles
	CheckDelay   time.Duration // between membership checks; 0 disables the throttle
	CheckTimeout time.Duration // per membership check
}

// Reconciler revokes keys of identities that left the gated channel.
//
// It holds no state across cycles other than what the ledger records. Only the two
// precondition fetches (exempt set, key list) abort a cycle; every per-key failure is logged
// and skipped. A membership query error is "unknown" and never leads to revocation.
type Reconciler struct {
	store  KeyStore
	oracle membership.Oracle
	users  repository.UserRepository
	keys   repository.KeyRepository
	audit  repository.AuditRepository
	cfg    ReconcilerConfig
	log    *zap.Logger

	throttle *rate.Limiter
	running  sync.Mutex

	hookMu  sync.Mutex
	onCycle func(CycleReport, error)
}

// NewReconciler constructs the engine.
func NewReconciler(
	store KeyStore,
	oracle membership.Oracle,
	users repository.UserRepository,
	keys repository.KeyRepository,
	audit repository.AuditRepository,
	cfg ReconcilerConfig,
	log *zap.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.CheckDelay > 0 {
		limit = rate.Every(cfg.CheckDelay)
	}
	return &Reconciler{
		store:    store,
		oracle:   oracle,
		users:    users,
		keys:     keys,
		audit:    audit,
		cfg:      cfg,
		log:      log,
		throttle: rate.NewLimiter(limit, 1),
	}
}

// OnCycle registers a callback invoked after every cycle, completed or aborted.
func (r *Reconciler) OnCycle(fn func(CycleReport, error)) {
	r.hookMu.Lock()
	r.onCycle = fn
	r.hookMu.Unlock()
}

// Run executes a cycle immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		// Failures are logged and reported through OnCycle; the next tick retries.
		_, _ = r.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunCycle performs one full pass over the remote keys. Overlapping calls get ErrCycleRunning.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleReport, error) {
	if !r.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer r.running.Unlock()
	return r.cycle(ctx, newCycleID())
}

// Start runs a cycle in the background and returns its id at once. The report is delivered
// through OnCycle. Overlapping calls get ErrCycleRunning.
func (r *Reconciler) Start(ctx context.Context) (string, error) {
	if !r.running.TryLock() {
		return "", ErrCycleRunning
	}
	id := newCycleID()
	go func() {
		defer r.running.Unlock()
		_, _ = r.cycle(ctx, id)
	}()
	return id, nil
}

func (r *Reconciler) cycle(ctx context.Context, id string) (rep CycleReport, err error) {
	rep = CycleReport{ID: id, StartedAt: time.Now()}
	log := r.log.With(zap.String("cycle_id", rep.ID))
	defer func() {
		rep.FinishedAt = time.Now()
		r.notify(rep, err)
	}()

	exempt, err := r.oracle.ListExempt(ctx)
	if err != nil {
		rep.Aborted = true
		log.Error("reconcile aborted: exempt set unavailable", zap.Error(err))
		return rep, fmt.Errorf("reconcile: exempt set: %w", err)
	}
	remote, err := r.store.ListAll(ctx)
	if err != nil {
		rep.Aborted = true
		log.Error("reconcile aborted: key listing failed", zap.Error(err))
		return rep, fmt.Errorf("reconcile: list keys: %w", err)
	}
	rep.Listed = len(remote)

	r.dropOrphans(ctx, log, remote, &rep)

	type candidate struct {
		key      model.AccessKey
		opaqueID int64
	}
	var queue []candidate
	seen := make(map[string]struct{}, len(remote))
	for _, k := range remote {
		if _, dup := seen[k.ID]; dup {
			continue
		}
		seen[k.ID] = struct{}{}

		owner, err := identity.Decode(k.Name)
		if err != nil {
			rep.Undecodable++
			log.Debug("skip undecodable key", zap.String("key_id", k.ID), zap.String("name", k.Name))
			continue
		}
		if !owner.HasID() {
			rep.HandleOnly++
			log.Debug("skip handle-only key", zap.String("key_id", k.ID), zap.String("handle", owner.Handle))
			continue
		}
		if _, ok := exempt[owner.OpaqueID]; ok {
			rep.Exempt++
			continue
		}
		queue = append(queue, candidate{key: k, opaqueID: owner.OpaqueID})
	}

	for _, c := range queue {
		if err := r.throttle.Wait(ctx); err != nil {
			log.Warn("reconcile interrupted", zap.Error(err))
			return rep, err
		}
		rep.Checked++

		member, err := r.isMember(ctx, c.opaqueID)
		if err != nil {
			rep.Unknown++
			log.Warn("membership unknown, skipping key",
				zap.String("key_id", c.key.ID),
				zap.Int64("opaque_id", c.opaqueID),
				zap.Error(err),
			)
			continue
		}
		if member {
			continue
		}
		if r.revoke(ctx, log, c.key, c.opaqueID) {
			rep.Revoked++
		} else {
			rep.Failed++
		}
	}

	log.Info("reconcile cycle done",
		zap.Int("listed", rep.Listed),
		zap.Int("checked", rep.Checked),
		zap.Int("revoked", rep.Revoked),
		zap.Int("unknown", rep.Unknown),
		zap.Int("failed", rep.Failed),
		zap.Int("undecodable", rep.Undecodable),
		zap.Int("skipped_handle_only", rep.HandleOnly),
		zap.Int("exempt", rep.Exempt),
		zap.Int("orphans", rep.Orphans),
		zap.Duration("dur", time.Since(rep.StartedAt)),
	)
	return rep, nil
}

func (r *Reconciler) isMember(ctx context.Context, opaqueID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()
	ok, err := r.oracle.IsMember(ctx, opaqueID)
	if err == nil && ctx.Err() != nil {
		// Answered after the deadline.
		return false, fmt.Errorf("%w: %w", errs.ErrUnknownMembership, ctx.Err())
	}
	if err != nil && !errors.Is(err, errs.ErrUnknownMembership) {
		err = fmt.Errorf("%w: %w", errs.ErrUnknownMembership, err)
	}
	return ok, err
}

// revoke deletes the key remotely, then deactivates and audits it. The local user record
// is optional: keys that only exist remotely are still revoked. The ledger row is deactivated
// even when the remote delete fails; the next cycle retries the delete.
func (r *Reconciler) revoke(ctx context.Context, log *zap.Logger, k model.AccessKey, opaqueID int64) bool {
	if err := r.store.Delete(ctx, k.ID); err != nil {
		log.Warn("revoke failed", zap.String("key_id", k.ID), zap.Int64("opaque_id", opaqueID), zap.Error(err))
		if err := r.keys.Deactivate(ctx, k.ID); err != nil {
			log.Warn("ledger deactivation failed", zap.String("key_id", k.ID), zap.Error(err))
		}
		return false
	}
	if err := r.keys.Deactivate(ctx, k.ID); err != nil {
		log.Error("key revoked remotely but ledger write failed",
			zap.String("key_id", k.ID),
			zap.Int64("opaque_id", opaqueID),
			zap.Bool("alert", true),
			zap.Error(&errs.PartialFailure{Op: "auto revoke", KeyID: k.ID, OpaqueID: opaqueID, Err: err}),
		)
	}

	var userID int64
	switch u, err := r.users.GetByOpaqueID(ctx, opaqueID); {
	case err == nil:
		userID = u.ID
	case errors.Is(err, errs.ErrNotFound):
	default:
		log.Warn("ledger user lookup failed", zap.Int64("opaque_id", opaqueID), zap.Error(err))
	}
	appendAudit(ctx, r.audit, log, userID, model.ActionRevokedAuto, "key_id="+k.ID)

	log.Info("access revoked", zap.String("key_id", k.ID), zap.Int64("opaque_id", opaqueID))
	return true
}

// dropOrphans deactivates ledger-active keys that no longer exist remotely.
func (r *Reconciler) dropOrphans(ctx context.Context, log *zap.Logger, remote []model.AccessKey, rep *CycleReport) {
	active, err := r.keys.ListActive(ctx)
	if err != nil {
		log.Warn("ledger listing failed, orphan check skipped", zap.Error(err))
		return
	}
	present := make(map[string]struct{}, len(remote))
	for _, k := range remote {
		present[k.ID] = struct{}{}
	}
	for _, k := range active {
		if _, ok := present[k.KeyID]; ok {
			continue
		}
		if err := r.keys.Deactivate(ctx, k.KeyID); err != nil {
			log.Warn("orphan deactivation failed", zap.String("key_id", k.KeyID), zap.Error(err))
			continue
		}
		rep.Orphans++
		log.Info("deactivated key missing remotely", zap.String("key_id", k.KeyID), zap.Int64("user_id", k.UserID))
	}
}

func (r *Reconciler) notify(rep CycleReport, err error) {
	r.hookMu.Lock()
	fn := r.onCycle
	r.hookMu.Unlock()
	if fn != nil {
		fn(rep, err)
	}
}

func newCycleID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id.String()
}
