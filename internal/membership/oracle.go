// Package membership answers whether a chat identity belongs to the gating channel.
package membership

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/errs"
)

// Oracle reports channel membership. Errors mean "unknown" and must never be read as
// "not a member".
type Oracle interface {
	IsMember(ctx context.Context, opaqueID int64) (bool, error)
	// ListExempt returns identities that are never auto-revoked: channel administrators
	// plus statically configured admins.
	ListExempt(ctx context.Context) (map[int64]struct{}, error)
}

// ChatAPI is the subset of the bot API the oracle needs. *tgbotapi.BotAPI satisfies it.
type ChatAPI interface {
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
}

// Telegram is an Oracle backed by the Telegram Bot API.
type Telegram struct {
	api       ChatAPI
	channelID int64
	admins    []int64
	log       *zap.Logger
}

var _ Oracle = (*Telegram)(nil)

// NewTelegram constructs a Telegram oracle for channelID. staticAdmins are always exempt.
func NewTelegram(api ChatAPI, channelID int64, staticAdmins []int64, log *zap.Logger) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{api: api, channelID: channelID, admins: staticAdmins, log: log}
}

// IsMember reports whether opaqueID is a current member, administrator or creator of the channel.
// A restricted user still counts when Telegram flags them as a member.
func (t *Telegram) IsMember(ctx context.Context, opaqueID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrUnknownMembership, err)
	}
	m, err := withContext(ctx, func() (tgbotapi.ChatMember, error) {
		return t.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: t.channelID, UserID: opaqueID},
		})
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrUnknownMembership, errs.Remote("get chat member", 0, err))
	}
	switch m.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return m.IsMember, nil
	case "left", "kicked":
		return false, nil
	default:
		t.log.Warn("unexpected chat member status", zap.Int64("opaque_id", opaqueID), zap.String("status", m.Status))
		return false, fmt.Errorf("%w: status %q", errs.ErrUnknownMembership, m.Status)
	}
}

// ListExempt returns channel administrators plus static admins. Failure to fetch the
// administrator list is an error, never an empty set.
func (t *Telegram) ListExempt(ctx context.Context) (map[int64]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := withContext(ctx, func() ([]tgbotapi.ChatMember, error) {
		return t.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: t.channelID},
		})
	})
	if err != nil {
		return nil, errs.Remote("get chat administrators", 0, err)
	}
	out := make(map[int64]struct{}, len(members)+len(t.admins))
	for _, m := range members {
		if m.User != nil {
			out[m.User.ID] = struct{}{}
		}
	}
	for _, id := range t.admins {
		out[id] = struct{}{}
	}
	return out, nil
}

// withContext runs a blocking bot API call and gives up when ctx is done. A reply that
// arrives after that is discarded.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
