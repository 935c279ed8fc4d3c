// Package bot is the chat front end: it turns private chat commands into lifecycle calls.
//
// It never shows key ids or raw errors to users. Anything unexpected becomes an apology that
// names the support contact; details go to the log.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/membership"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

// API is the subset of the Telegram client the adapter uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var _ API = (*tgbotapi.BotAPI)(nil)

var _ service.Notifier = (*Bot)(nil)

// Config holds user-facing settings.
type Config struct {
	ChannelURL     string        // shown to non-members
	SupportContact string        // e.g. "@vpn_support"
	PollTimeout    int           // long-poll seconds
	Workers        int           // concurrent updates
	CallTimeout    time.Duration // per update
}

// Bot dispatches updates.
type Bot struct {
	api    API
	access service.AccessService
	oracle membership.Oracle
	cfg    Config
	log    *zap.Logger
}

// New constructs the adapter.
func New(api API, access service.AccessService, oracle membership.Oracle, cfg Config, log *zap.Logger) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{api: api, access: access, oracle: oracle, cfg: cfg, log: log}
}

// Run long-polls until ctx is done. Updates are handled concurrently; calls for the same user
// are serialized by the access service.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(u)

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Workers)
	defer func() { _ = g.Wait() }()

	b.log.Info("bot polling started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				b.Handle(ctx, upd)
				return nil
			})
		}
	}
}

// Handle processes one update. Only private-chat commands are answered.
func (b *Bot) Handle(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() || !msg.IsCommand() {
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	id := identityOf(msg.From)
	log := b.log.With(zap.Int64("opaque_id", id.OpaqueID), zap.String("command", msg.Command()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in handler", zap.Any("reason", r))
			b.reply(msg.Chat.ID, b.apology())
		}
	}()

	var text string
	switch msg.Command() {
	case "start":
		text = b.start(ctx, log, id)
	case "regenerate":
		text = b.regenerate(ctx, log, id)
	case "delete":
		text = b.remove(ctx, log, id)
	case "status":
		text = b.status(ctx, log, id)
	case "help":
		text = helpText
	default:
		text = "Unknown command. Send /help for the list of commands."
	}
	b.reply(msg.Chat.ID, text)
}

func (b *Bot) start(ctx context.Context, log *zap.Logger, id model.Identity) string {
	if text, ok := b.gate(ctx, log, id); !ok {
		return text
	}
	desc, err := b.access.EnsureAccess(ctx, id)
	text, ok := b.keyOrApology(log, "ensure access", desc, err)
	if !ok {
		return text
	}
	return "Your VPN access key:\n\n" + text + "\n\nPaste it into the Outline client."
}

func (b *Bot) regenerate(ctx context.Context, log *zap.Logger, id model.Identity) string {
	if text, ok := b.gate(ctx, log, id); !ok {
		return text
	}
	desc, err := b.access.Rotate(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return "You have no active key to replace. Send /start to get one."
	}
	text, ok := b.keyOrApology(log, "rotate", desc, err)
	if !ok {
		return text
	}
	return "Your new VPN access key:\n\n" + text + "\n\nThe previous key no longer works."
}

func (b *Bot) remove(ctx context.Context, log *zap.Logger, id model.Identity) string {
	ok, err := b.access.Revoke(ctx, id)
	switch {
	case err != nil:
		log.Warn("revoke failed", zap.Error(err))
		return b.apology()
	case !ok:
		return "You have no active key to delete."
	default:
		return "Your VPN key has been deleted."
	}
}

func (b *Bot) status(ctx context.Context, log *zap.Logger, id model.Identity) string {
	u, err := b.access.Status(ctx, id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "You have no active key. Send /start to get one."
	case err != nil:
		log.Warn("status failed", zap.Error(err))
		return b.apology()
	}
	var sb strings.Builder
	sb.WriteString("Your VPN key is active.\n")
	fmt.Fprintf(&sb, "Traffic used: %s\n", humanize.IBytes(uint64(max(u.DataBytes, 0))))
	if u.LastActive != nil {
		fmt.Fprintf(&sb, "Last connected: %s", humanize.Time(*u.LastActive))
	} else {
		sb.WriteString("Last connected: never")
	}
	return sb.String()
}

// gate answers false with a reply text when the user may not get a key.
func (b *Bot) gate(ctx context.Context, log *zap.Logger, id model.Identity) (string, bool) {
	ok, err := b.oracle.IsMember(ctx, id.OpaqueID)
	if err != nil {
		log.Warn("membership check failed", zap.Error(err))
		return "We could not verify your channel subscription right now. " + b.apology(), false
	}
	if !ok && b.exempt(ctx, id.OpaqueID) {
		ok = true
	}
	if !ok {
		text := "VPN access is available to channel subscribers only."
		if b.cfg.ChannelURL != "" {
			text += " Subscribe here: " + html.EscapeString(b.cfg.ChannelURL)
		}
		return text, false
	}
	return "", true
}

// exempt lets configured admins through even when they are not subscribed.
func (b *Bot) exempt(ctx context.Context, opaqueID int64) bool {
	set, err := b.oracle.ListExempt(ctx)
	if err != nil {
		return false
	}
	_, ok := set[opaqueID]
	return ok
}

// keyOrApology formats the access url, or an apology when no key was produced. A partial
// failure still shows the key the user now holds.
func (b *Bot) keyOrApology(log *zap.Logger, op string, desc model.AccessDescriptor, err error) (string, bool) {
	if err != nil {
		var pf *errs.PartialFailure
		if errors.As(err, &pf) && desc.AccessURL != "" {
			log.Warn(op+" completed partially", zap.Error(err))
		} else {
			log.Warn(op+" failed", zap.Error(err))
			return b.apology(), false
		}
	}
	return "<code>" + html.EscapeString(desc.AccessURL) + "</code>", true
}

func (b *Bot) apology() string {
	text := "Sorry, something went wrong. Please try again later"
	if b.cfg.SupportContact != "" {
		text += " or contact " + html.EscapeString(b.cfg.SupportContact)
	}
	return text + "."
}

// NotifyRevoked tells the user their key was revoked by an operator.
func (b *Bot) NotifyRevoked(_ context.Context, opaqueID int64) error {
	text := "Your VPN key was revoked by an administrator."
	if b.cfg.SupportContact != "" {
		text += " To get a new key, contact " + html.EscapeString(b.cfg.SupportContact) + "."
	}
	m := tgbotapi.NewMessage(opaqueID, text)
	m.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(m); err != nil {
		return fmt.Errorf("send revocation notice: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	if _, err := b.api.Send(m); err != nil {
		b.log.Warn("send reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func identityOf(u *tgbotapi.User) model.Identity {
	return model.Identity{
		OpaqueID:    u.ID,
		Handle:      u.UserName,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

const helpText = `Commands:
/start - get your VPN key
/status - show your key usage
/regenerate - replace your key with a new one
/delete - delete your key
/help - show this message`
