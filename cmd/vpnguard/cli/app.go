package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/bot"
	"github.com/itbali/vpn-validator-bot/internal/config"
	"github.com/itbali/vpn-validator-bot/internal/limiter"
	"github.com/itbali/vpn-validator-bot/internal/membership"
	"github.com/itbali/vpn-validator-bot/internal/migrate"
	"github.com/itbali/vpn-validator-bot/internal/outline"
	"github.com/itbali/vpn-validator-bot/internal/repository"
	"github.com/itbali/vpn-validator-bot/internal/repository/postgres"
	"github.com/itbali/vpn-validator-bot/internal/repository/sqlite"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

// ledger bundles the repositories of one backend.
type ledger struct {
	users   repository.UserRepository
	keys    repository.KeyRepository
	audit   repository.AuditRepository
	limiter limiter.Limiter
	close   func()
}

// openLedger migrates and opens the backend selected by the DSN scheme.
func openLedger(ctx context.Context, cfg config.Database, log *zap.Logger) (*ledger, error) {
	backend, err := cfg.Backend()
	if err != nil {
		return nil, err
	}
	switch backend {
	case config.BackendPostgres:
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect ledger: %w", err)
		}
		log.Info("ledger ready", zap.String("backend", string(backend)))
		return &ledger{
			users:   postgres.NewUserRepo(db),
			keys:    postgres.NewKeyRepo(db),
			audit:   postgres.NewAuditRepo(db),
			limiter: limiter.NewPG(db.Pool, limiter.DefaultPolicy),
			close:   db.Close,
		}, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		log.Info("ledger ready", zap.String("backend", string(backend)), zap.String("path", cfg.SQLitePath()))
		return &ledger{
			users:   sqlite.NewUserRepo(db),
			keys:    sqlite.NewKeyRepo(db),
			audit:   sqlite.NewAuditRepo(db),
			limiter: limiter.NewMemory(limiter.DefaultPolicy),
			close:   func() { _ = db.Close() },
		}, nil
	}
}

func newKeyStore(cfg config.Outline, log *zap.Logger) (*outline.Client, error) {
	return outline.New(outline.Config{
		BaseURL:            cfg.APIURL,
		CertSHA256:         cfg.CertSHA256,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.Timeout,
		Method:             cfg.Method,
		Retries:            cfg.Retries,
		RetryDelay:         cfg.RetryDelay,
	}, log.Named("outline"))
}

// longPoll is how long a getUpdates request may be held open by the server.
const longPoll = 30 * time.Second

func newBotAPI(cfg config.Telegram) (*tgbotapi.BotAPI, error) {
	hc := &http.Client{Timeout: cfg.Timeout + longPoll}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return api, nil
}

// oracleAPI shares the bot's credentials but caps every membership call at timeout instead of
// the long-poll client timeout.
func oracleAPI(api *tgbotapi.BotAPI, timeout time.Duration) *tgbotapi.BotAPI {
	if timeout <= 0 {
		return api
	}
	c := *api
	c.Client = &http.Client{Timeout: timeout}
	return &c
}

// app holds every long-lived component of the process.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	ledger     *ledger
	store      *outline.Client
	api        *tgbotapi.BotAPI
	oracle     *membership.Telegram
	access     *service.AccessServiceImpl
	admin      *service.AdminServiceImpl
	reconciler *service.Reconciler
	usage      *service.UsageCollector
	bot        *bot.Bot
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	l, err := openLedger(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	store, err := newKeyStore(cfg.Outline, log)
	if err != nil {
		l.close()
		return nil, err
	}
	api, err := newBotAPI(cfg.Telegram)
	if err != nil {
		l.close()
		return nil, err
	}
	log.Info("telegram authorized", zap.String("bot", api.Self.UserName))

	a := &app{cfg: cfg, log: log, ledger: l, store: store, api: api}
	a.oracle = membership.NewTelegram(oracleAPI(api, cfg.Reconcile.CheckTimeout), cfg.Telegram.ChannelID, cfg.Telegram.AdminIDs, log.Named("membership"))
	a.access = service.NewAccessService(store, l.users, l.keys, l.audit, log.Named("access"))
	a.admin = service.NewAdminService(store, l.users, l.keys, l.audit, cfg.Usage.InactiveAfter, log.Named("admin"))
	a.reconciler = service.NewReconciler(store, a.oracle, l.users, l.keys, l.audit, service.ReconcilerConfig{
		Interval:     cfg.Reconcile.Interval,
		CheckDelay:   cfg.Reconcile.CheckDelay,
		CheckTimeout: cfg.Reconcile.CheckTimeout,
	}, log.Named("reconciler"))
	a.usage = service.NewUsageCollector(store, l.keys, log.Named("usage"))
	a.bot = bot.New(api, a.access, a.oracle, bot.Config{
		ChannelURL:     cfg.Telegram.ChannelURL,
		SupportContact: cfg.Telegram.SupportContact,
		PollTimeout:    int(longPoll / time.Second),
		Workers:        cfg.Telegram.Workers,
		CallTimeout:    cfg.Telegram.Timeout,
	}, log.Named("bot"))
	a.admin.SetNotifier(a.bot)
	return a, nil
}

func (a *app) Close() {
	a.ledger.close()
	_ = a.log.Sync()
}
