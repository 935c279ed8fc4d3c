package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/repository"
)

// UsageCollector copies transfer and activity metrics of ledger-active keys into the ledger.
type UsageCollector struct {
	store KeyStore
	keys  repository.KeyRepository
	log   *zap.Logger
	now   func() time.Time
}

// NewUsageCollector constructs a collector.
func NewUsageCollector(store KeyStore, keys repository.KeyRepository, log *zap.Logger) *UsageCollector {
	if log == nil {
		log = zap.NewNop()
	}
	return &UsageCollector{store: store, keys: keys, log: log, now: time.Now}
}

// Collect records one usage sample per active key and returns how many were recorded.
// A failed transfer fetch aborts the run; missing activity data only leaves last_active as is.
func (c *UsageCollector) Collect(ctx context.Context) (int, error) {
	transfer, err := c.store.Transfer(ctx)
	if err != nil {
		c.log.Warn("usage collection skipped: transfer metrics unavailable", zap.Error(err))
		return 0, err
	}
	activity, err := c.store.LastActive(ctx)
	if err != nil {
		c.log.Debug("activity metrics unavailable", zap.Error(err))
		activity = nil
	}
	active, err := c.keys.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	at := c.now()
	n := 0
	for _, k := range active {
		var last *time.Time
		if ts, ok := activity[k.KeyID]; ok {
			last = &ts
		}
		if err := c.keys.RecordUsage(ctx, k.KeyID, transfer[k.KeyID], last, at); err != nil {
			c.log.Warn("record usage failed", zap.String("key_id", k.KeyID), zap.Error(err))
			continue
		}
		n++
	}
	c.log.Debug("usage collected", zap.Int("keys", n))
	return n, nil
}

// Run collects every interval until ctx is done.
func (c *UsageCollector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = c.Collect(ctx)
		}
	}
}
