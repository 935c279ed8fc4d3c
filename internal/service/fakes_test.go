package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/membership"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/repository"
)

/************ remote key store ************/

type fakeStore struct {
	mu      sync.Mutex
	keys    []model.AccessKey
	nextID  int
	created int
	deleted []string

	listErr     error
	createErr   error
	renameErr   error
	deleteErr   error
	transfer    map[string]int64
	transferErr error
	activity    map[string]time.Time
	createDelay time.Duration
}

var _ KeyStore = (*fakeStore)(nil)

func (f *fakeStore) add(name string) model.AccessKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name)
}

func (f *fakeStore) addLocked(name string) model.AccessKey {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	k := model.AccessKey{ID: id, Name: name, AccessURL: "ss://" + id}
	f.keys = append(f.keys, k)
	return k
}

func (f *fakeStore) Create(_ context.Context, name string) (model.AccessKey, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.AccessKey{}, f.createErr
	}
	f.created++
	if f.renameErr != nil {
		k := f.addLocked("")
		return k, &errs.PartialFailure{Op: "create key", KeyID: k.ID, Err: f.renameErr}
	}
	return f.addLocked(name), nil
}

func (f *fakeStore) Delete(_ context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, keyID)
	for i, k := range f.keys {
		if k.ID == keyID {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) ListAll(context.Context) ([]model.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.AccessKey(nil), f.keys...), nil
}

func (f *fakeStore) Usage(_ context.Context, keyID string) model.KeyUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := model.KeyUsage{KeyID: keyID, DataBytes: f.transfer[keyID]}
	if ts, ok := f.activity[keyID]; ok {
		u.LastActive = &ts
	}
	for _, k := range f.keys {
		if k.ID == keyID {
			u.Name = k.Name
		}
	}
	return u
}

func (f *fakeStore) Transfer(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	out := make(map[string]int64, len(f.transfer))
	for k, v := range f.transfer {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) LastActive(context.Context) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.activity))
	for k, v := range f.activity {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) has(keyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == keyID {
			return true
		}
	}
	return false
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

/************ ledger ************/

type fakeLedger struct {
	mu       sync.Mutex
	users    map[int64]*model.User // by surrogate id
	keys     map[string]*model.Key // by key_id
	audit    []model.AuditEntry
	samples  int
	nextUser int64
	nextKey  int64

	keyCreateErr  error
	deactivateErr error
	userErr       error
	usageErr      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{users: map[int64]*model.User{}, keys: map[string]*model.Key{}}
}

type fakeUsers struct{ l *fakeLedger }
type fakeKeys struct{ l *fakeLedger }
type fakeAudit struct{ l *fakeLedger }

var (
	_ repository.UserRepository  = fakeUsers{}
	_ repository.KeyRepository   = fakeKeys{}
	_ repository.AuditRepository = fakeAudit{}
)

func (l *fakeLedger) repos() (fakeUsers, fakeKeys, fakeAudit) {
	return fakeUsers{l}, fakeKeys{l}, fakeAudit{l}
}

func (f fakeUsers) Upsert(_ context.Context, id model.Identity) (*model.User, error) {
	l := f.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userErr != nil {
		return nil, l.userErr
	}
	for _, u := range l.users {
		if u.OpaqueID == id.OpaqueID {
			u.Handle, u.DisplayName = id.Handle, id.DisplayName
			c := *u
			return &c, nil
		}
	}
	l.nextUser++
	u := &model.User{ID: l.nextUser, OpaqueID: id.OpaqueID, Handle: id.Handle, DisplayName: id.DisplayName, CreatedAt: time.Now()}
	l.users[u.ID] = u
	c := *u
	return &c, nil
}

func (f fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	u, ok := f.l.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f fakeUsers) GetByOpaqueID(_ context.Context, opaqueID int64) (*model.User, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	for _, u := range f.l.users {
		if u.OpaqueID == opaqueID {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f fakeUsers) FindByHandle(_ context.Context, fragment string) ([]model.User, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []model.User
	for _, u := range f.l.users {
		if u.Handle != "" && strings.Contains(strings.ToLower(u.Handle), strings.ToLower(fragment)) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f fakeUsers) TouchActivity(_ context.Context, userID int64, at time.Time) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if u, ok := f.l.users[userID]; ok {
		u.LastActive = &at
	}
	return nil
}

func (f fakeUsers) Count(context.Context) (int64, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	return int64(len(f.l.users)), nil
}

func (f fakeKeys) Create(_ context.Context, k *model.Key) error {
	l := f.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keyCreateErr != nil {
		return l.keyCreateErr
	}
	if _, ok := l.keys[k.KeyID]; ok {
		return errs.ErrAlreadyExists
	}
	l.nextKey++
	k.ID = l.nextKey
	k.IsActive = true
	k.CreatedAt = time.Now()
	c := *k
	l.keys[k.KeyID] = &c
	return nil
}

func (f fakeKeys) GetByKeyID(_ context.Context, keyID string) (*model.Key, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	k, ok := f.l.keys[keyID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (f fakeKeys) ActiveForUser(_ context.Context, userID int64) ([]model.Key, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []model.Key
	for _, k := range f.l.keys {
		if k.UserID == userID && k.IsActive {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f fakeKeys) Deactivate(_ context.Context, keyID string) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if f.l.deactivateErr != nil {
		return f.l.deactivateErr
	}
	if k, ok := f.l.keys[keyID]; ok {
		k.IsActive = false
	}
	return nil
}

func (f fakeKeys) RecordUsage(_ context.Context, keyID string, dataBytes int64, lastActive *time.Time, _ time.Time) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if f.l.usageErr != nil {
		return f.l.usageErr
	}
	k, ok := f.l.keys[keyID]
	if !ok {
		return errs.ErrNotFound
	}
	k.DataBytes = dataBytes
	if lastActive != nil {
		k.LastActive = lastActive
	}
	f.l.samples++
	return nil
}

func (f fakeKeys) ListActive(context.Context) ([]model.Key, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []model.Key
	for _, k := range f.l.keys {
		if k.IsActive {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeKeys) ListInactive(_ context.Context, cutoff time.Time) ([]model.Key, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []model.Key
	for _, k := range f.l.keys {
		if k.IsActive && (k.LastActive == nil || k.LastActive.Before(cutoff)) {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeKeys) Stats(context.Context) (model.LedgerStats, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	s := model.LedgerStats{TotalUsers: int64(len(f.l.users))}
	for _, k := range f.l.keys {
		if k.IsActive {
			s.ActiveKeys++
		}
		s.TotalBytes += k.DataBytes
	}
	return s, nil
}

func (f fakeAudit) Append(_ context.Context, e *model.AuditEntry) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	e.ID = int64(len(f.l.audit) + 1)
	e.Timestamp = time.Now()
	f.l.audit = append(f.l.audit, *e)
	return nil
}

func (f fakeAudit) CountByKind(_ context.Context, kind model.ActionKind) (int64, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var n int64
	for _, e := range f.l.audit {
		if e.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (f fakeAudit) ListRecent(_ context.Context, userID int64, limit int) ([]model.AuditEntry, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []model.AuditEntry
	for i := len(f.l.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if f.l.audit[i].UserID == userID {
			out = append(out, f.l.audit[i])
		}
	}
	return out, nil
}

func (l *fakeLedger) auditOf(kind model.ActionKind) []model.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range l.audit {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *fakeLedger) key(keyID string) (model.Key, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[keyID]
	if !ok {
		return model.Key{}, false
	}
	return *k, true
}

func (l *fakeLedger) mutations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.audit) + l.samples
	for _, k := range l.keys {
		if !k.IsActive {
			n++
		}
	}
	return n
}

/************ membership oracle ************/

type fakeOracle struct {
	mu        sync.Mutex
	members   map[int64]bool
	failFor   map[int64]bool
	exempt    map[int64]struct{}
	exemptErr error
	calls     []int64

	delay       time.Duration // per call; ignores ctx like a blocking client
	at          []time.Time   // call start times
	inFlight    int
	maxInFlight int
	afterCall   func(n int) // runs after the n-th call returns, 1-based
}

var _ membership.Oracle = (*fakeOracle)(nil)

func (f *fakeOracle) IsMember(_ context.Context, opaqueID int64) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opaqueID)
	f.at = append(f.at, time.Now())
	n := len(f.calls)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	delay, hook := f.delay, f.afterCall
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	fail, member := f.failFor[opaqueID], f.members[opaqueID]
	f.mu.Unlock()

	if hook != nil {
		defer hook(n)
	}
	if fail {
		return false, errors.New("provider timeout")
	}
	return member, nil
}

func (f *fakeOracle) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.at...)
}

func (f *fakeOracle) ListExempt(context.Context) (map[int64]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exemptErr != nil {
		return nil, f.exemptErr
	}
	out := make(map[int64]struct{}, len(f.exempt))
	for k := range f.exempt {
		out[k] = struct{}{}
	}
	return out, nil
}
