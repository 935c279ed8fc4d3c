package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/membership"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
	updates chan tgbotapi.Update
	stopped bool
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }
func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}
func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeAccess struct {
	desc     model.AccessDescriptor
	err      error
	revoked  bool
	usage    model.KeyUsage
	calls    []string
	lastSeen model.Identity
}

var _ service.AccessService = (*fakeAccess)(nil)

func (f *fakeAccess) EnsureAccess(_ context.Context, id model.Identity) (model.AccessDescriptor, error) {
	f.calls = append(f.calls, "ensure")
	f.lastSeen = id
	return f.desc, f.err
}
func (f *fakeAccess) Rotate(_ context.Context, id model.Identity) (model.AccessDescriptor, error) {
	f.calls = append(f.calls, "rotate")
	return f.desc, f.err
}
func (f *fakeAccess) Revoke(context.Context, model.Identity) (bool, error) {
	f.calls = append(f.calls, "revoke")
	return f.revoked, f.err
}
func (f *fakeAccess) Status(context.Context, model.Identity) (model.KeyUsage, error) {
	f.calls = append(f.calls, "status")
	return f.usage, f.err
}

type fakeOracle struct {
	member bool
	err    error
	exempt map[int64]struct{}
}

var _ membership.Oracle = (*fakeOracle)(nil)

func (f *fakeOracle) IsMember(context.Context, int64) (bool, error) { return f.member, f.err }
func (f *fakeOracle) ListExempt(context.Context) (map[int64]struct{}, error) {
	return f.exempt, nil
}

func command(text string) tgbotapi.Update {
	cmd := text
	for i, r := range text {
		if r == ' ' {
			cmd = text[:i]
			break
		}
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
		Chat:     &tgbotapi.Chat{ID: 42, Type: "private"},
		From:     &tgbotapi.User{ID: 42, UserName: "alice", FirstName: "Alice", LastName: "Liddell"},
	}}
}

func newBot(t *testing.T) (*Bot, *fakeAPI, *fakeAccess, *fakeOracle) {
	t.Helper()
	api := &fakeAPI{}
	access := &fakeAccess{desc: model.AccessDescriptor{KeyID: "7", AccessURL: "ss://secret@host:1/?a=1&b=2"}}
	oracle := &fakeOracle{member: true}
	b := New(api, access, oracle, Config{ChannelURL: "https://t.me/chan", SupportContact: "@help"}, zaptest.NewLogger(t))
	return b, api, access, oracle
}

func TestStart_Member(t *testing.T) {
	b, api, access, _ := newBot(t)
	b.Handle(context.Background(), command("/start"))

	require.Equal(t, []string{"ensure"}, access.calls)
	require.Equal(t, model.Identity{OpaqueID: 42, Handle: "alice", DisplayName: "Alice Liddell"}, access.lastSeen)

	m := api.last(t)
	require.Equal(t, int64(42), m.ChatID)
	require.Equal(t, tgbotapi.ModeHTML, m.ParseMode)
	require.Contains(t, m.Text, "<code>ss://secret@host:1/?a=1&amp;b=2</code>")
	require.NotContains(t, m.Text, "7")
}

func TestStart_NotMember(t *testing.T) {
	b, api, access, oracle := newBot(t)
	oracle.member = false

	b.Handle(context.Background(), command("/start"))
	require.Empty(t, access.calls)
	require.Contains(t, api.last(t).Text, "https://t.me/chan")
}

func TestStart_ExemptAdmin(t *testing.T) {
	b, _, access, oracle := newBot(t)
	oracle.member = false
	oracle.exempt = map[int64]struct{}{42: {}}

	b.Handle(context.Background(), command("/start"))
	require.Equal(t, []string{"ensure"}, access.calls)
}

func TestStart_MembershipUnknown(t *testing.T) {
	b, api, access, oracle := newBot(t)
	oracle.err = errs.ErrUnknownMembership

	b.Handle(context.Background(), command("/start"))
	require.Empty(t, access.calls)
	require.Contains(t, api.last(t).Text, "@help")
}

func TestStart_FailureApologizes(t *testing.T) {
	b, api, access, _ := newBot(t)
	access.desc = model.AccessDescriptor{}
	access.err = errs.Remote("create key", 500, errors.New("internal detail"))

	b.Handle(context.Background(), command("/start"))
	text := api.last(t).Text
	require.Contains(t, text, "@help")
	require.NotContains(t, text, "internal detail")
}

func TestStart_PartialFailureStillShowsKey(t *testing.T) {
	b, api, access, _ := newBot(t)
	access.err = &errs.PartialFailure{Op: "record key", KeyID: "7", Err: errors.New("db")}

	b.Handle(context.Background(), command("/start"))
	require.Contains(t, api.last(t).Text, "<code>ss://")
}

func TestRegenerate(t *testing.T) {
	b, api, access, _ := newBot(t)
	b.Handle(context.Background(), command("/regenerate"))
	require.Equal(t, []string{"rotate"}, access.calls)
	require.Contains(t, api.last(t).Text, "new VPN access key")

	access.err = errs.ErrNotFound
	b.Handle(context.Background(), command("/regenerate"))
	require.Contains(t, api.last(t).Text, "/start")
}

func TestDelete(t *testing.T) {
	b, api, access, _ := newBot(t)

	b.Handle(context.Background(), command("/delete"))
	require.Contains(t, api.last(t).Text, "no active key")

	access.revoked = true
	b.Handle(context.Background(), command("/delete"))
	require.Contains(t, api.last(t).Text, "deleted")
}

func TestStatus(t *testing.T) {
	b, api, access, _ := newBot(t)
	ts := time.Now().Add(-2 * time.Hour)
	access.usage = model.KeyUsage{KeyID: "7", DataBytes: 3 << 20, LastActive: &ts}

	b.Handle(context.Background(), command("/status"))
	text := api.last(t).Text
	require.Contains(t, text, "3.0 MiB")
	require.Contains(t, text, "2 hours ago")

	access.err = errs.ErrNotFound
	b.Handle(context.Background(), command("/status"))
	require.Contains(t, api.last(t).Text, "no active key")
}

func TestIgnoresGroupsAndPlainText(t *testing.T) {
	b, api, access, _ := newBot(t)

	group := command("/start")
	group.Message.Chat.Type = "supergroup"
	b.Handle(context.Background(), group)

	plain := command("hello")
	plain.Message.Entities = nil
	b.Handle(context.Background(), plain)

	b.Handle(context.Background(), tgbotapi.Update{})

	require.Empty(t, access.calls)
	require.Empty(t, api.sent)
}

func TestUnknownCommand(t *testing.T) {
	b, api, _, _ := newBot(t)
	b.Handle(context.Background(), command("/dance"))
	require.Contains(t, api.last(t).Text, "/help")
}

func TestRun_DispatchesAndStops(t *testing.T) {
	b, api, _, _ := newBot(t)
	api.updates = make(chan tgbotapi.Update, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	api.updates <- command("/help")
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	require.True(t, api.stopped)
}

func TestNotifyRevoked(t *testing.T) {
	b, api, _, _ := newBot(t)

	require.NoError(t, b.NotifyRevoked(context.Background(), 42))
	m := api.last(t)
	require.Equal(t, int64(42), m.ChatID)
	require.Contains(t, m.Text, "revoked by an administrator")
	require.Contains(t, m.Text, "@help")

	api.sendErr = errors.New("bot was blocked by the user")
	require.Error(t, b.NotifyRevoked(context.Background(), 42))
}
