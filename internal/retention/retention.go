// Package retention trims cached chat logs on a cron schedule so a
// long-lived client does not accumulate unbounded history for chats the
// user has moved away from.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"pingo/pkg/config"
	"pingo/pkg/logger"
	"pingo/pkg/session"
)

// Start starts the cache retention scheduler if enabled. Returns a
// cancel func that stops the scheduler.
func Start(ctx context.Context, cfg config.RetentionConfig, sess *session.Session) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = config.DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	idle, err := cfg.IdleDuration()
	if err != nil {
		return nil, fmt.Errorf("invalid retention idle period: %w", err)
	}
	keepLast := cfg.KeepLast
	if keepLast <= 0 {
		keepLast = config.DefaultRetentionKeepLast
	}

	logger.Info("retention_enabled", "cron", cronExpr, "keep_last", keepLast, "idle", idle)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, keepLast, idle, sess)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time, then asks the session to
// trim its cache.
func runScheduler(ctx context.Context, cronExpr string, keepLast int, idle time.Duration, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}

		logger.Info("retention_run", "keep_last", keepLast, "idle", idle)
		sess.TrimCache(keepLast, idle)
	}
}
