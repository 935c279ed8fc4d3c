package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkgcrypto "github.com/itbali/vpn-validator-bot/internal/crypto"
	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/limiter"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

type fakeAdmin struct {
	stats   model.ServerStats
	keys    []model.KeyInfo
	err     error
	revoked []string
}

var _ service.AdminService = (*fakeAdmin)(nil)

func (f *fakeAdmin) Stats(context.Context) (model.ServerStats, error) { return f.stats, f.err }
func (f *fakeAdmin) Keys(context.Context) ([]model.KeyInfo, error)    { return f.keys, f.err }
func (f *fakeAdmin) Inactive(context.Context) ([]model.KeyInfo, error) {
	return f.keys, f.err
}
func (f *fakeAdmin) UserInfo(_ context.Context, handle string) (model.KeyInfo, error) {
	if f.err != nil {
		return model.KeyInfo{}, f.err
	}
	for _, k := range f.keys {
		if k.Owner.Handle == handle {
			return k, nil
		}
	}
	return model.KeyInfo{}, errs.ErrNotFound
}
func (f *fakeAdmin) RevokeByHandle(ctx context.Context, handle string) (model.KeyInfo, error) {
	k, err := f.UserInfo(ctx, handle)
	if err == nil {
		f.revoked = append(f.revoked, k.KeyID)
	}
	return k, err
}

type fakeCycle struct {
	id  string
	err error
	ctx context.Context
}

func (f *fakeCycle) Start(ctx context.Context) (string, error) {
	f.ctx = ctx
	return f.id, f.err
}

type fixture struct {
	srv   *Server
	admin *fakeAdmin
	cycle *fakeCycle
	auth  *service.AuthServiceImpl
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	enc, err := pkgcrypto.EncodePassword("s3cret")
	require.NoError(t, err)
	auth := service.NewAuthService("root", enc, []byte("sign"), time.Minute,
		limiter.NewMemory(limiter.Policy{Window: time.Minute, MaxFails: 3, BlockFor: time.Minute}))
	admin := &fakeAdmin{}
	cycle := &fakeCycle{}
	return &fixture{
		srv:   New(cfg, auth, admin, cycle, zaptest.NewLogger(t)),
		admin: admin,
		cycle: cycle,
		auth:  auth,
	}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/v1/admin/session", "", `{"username":"root","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "Bearer", resp.TokenType)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rr := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	rr := f.do(t, http.MethodPost, "/api/v1/admin/session", "", `{"username":"root"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/admin/session", "", `not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/admin/session", "", `{"username":"root","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	f.login(t)
}

func TestLogin_LockoutAfterFailures(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bad := `{"username":"root","password":"nope"}`

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/admin/session", "", bad).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/admin/session", "", bad).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/v1/admin/session", "", bad).Code)

	good := `{"username":"root","password":"s3cret"}`
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/v1/admin/session", "", good).Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for _, path := range []string{"/api/v1/admin/stats", "/api/v1/admin/keys", "/api/v1/admin/keys/inactive", "/api/v1/admin/users/alice"} {
		rr := f.do(t, http.MethodGet, path, "", "")
		require.Equal(t, http.StatusUnauthorized, rr.Code, path)
		rr = f.do(t, http.MethodGet, path, "garbage", "")
		require.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
	rr := f.do(t, http.MethodPost, "/api/v1/admin/reconcile", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatsAndKeys(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tok := f.login(t)

	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.admin.stats = model.ServerStats{RemoteKeys: 3, UsedKeys: 2, TotalBytes: 100, Ledger: model.LedgerStats{TotalUsers: 2, ActiveKeys: 2, TotalBytes: 90}}
	f.admin.keys = []model.KeyInfo{
		{KeyID: "1", Name: "@alice - Alice", Owner: model.Identity{OpaqueID: 42, Handle: "alice", DisplayName: "Alice"}, DataBytes: 70, LastActive: &ts},
		{KeyID: "2", Name: "garbage"},
	}

	rr := f.do(t, http.MethodGet, "/api/v1/admin/stats", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"remote_keys":3,"used_keys":2,"total_bytes":100,"ledger_users":2,"ledger_active_keys":2,"ledger_bytes":90}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/v1/admin/keys", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"keys":[
		{"key_id":"1","name":"@alice - Alice","owner":{"opaque_id":42,"handle":"alice","display_name":"Alice"},"data_bytes":70,"last_active":"2026-05-01T00:00:00Z"},
		{"key_id":"2","name":"garbage","data_bytes":0}
	]}`, rr.Body.String())
}

func TestUserInfoAndRevoke(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tok := f.login(t)
	f.admin.keys = []model.KeyInfo{{KeyID: "7", Name: "@bob", Owner: model.Identity{Handle: "bob"}}}

	rr := f.do(t, http.MethodGet, "/api/v1/admin/users/bob", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/admin/users/carol", tok, "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/v1/admin/users/bob", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"7"}, f.admin.revoked)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tok := f.login(t)

	f.admin.err = errs.Remote("list keys", 503, nil)
	require.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/api/v1/admin/keys", tok, "").Code)

	f.admin.err = errs.ErrInvalidArgument
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/admin/users/x", tok, "").Code)

	f.admin.err = errors.New("db gone")
	rr := f.do(t, http.MethodGet, "/api/v1/admin/stats", tok, "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "db gone")
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tok := f.login(t)

	f.cycle.id = "c1"
	rr := f.do(t, http.MethodPost, "/api/v1/admin/reconcile", tok, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var got cycleStartedDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, "c1", got.ID)
	require.Equal(t, "started", got.Status)
	// The cycle outlives the request.
	require.NoError(t, f.cycle.ctx.Err())

	f.cycle.id, f.cycle.err = "", service.ErrCycleRunning
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/admin/reconcile", tok, "").Code)

	f.cycle.err = errors.New("boom")
	require.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/api/v1/admin/reconcile", tok, "").Code)

	f.cycle.err = nil
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/admin/reconcile", "", "").Code)
}

func TestReconcile_CycleContextIsNotTheRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tok := f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	cancel()

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, f.cycle.ctx.Err())
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerMinute = 2
	f := newFixture(t, cfg)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/admin/stats", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/admin/stats", "", "").Code)
	rr := f.do(t, http.MethodGet, "/api/v1/admin/stats", "", "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	// health is outside the limited group
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code)
}

func TestRequestIDPreserved(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, "trace-1", rr.Header().Get("X-Request-ID"))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	f := newFixture(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
