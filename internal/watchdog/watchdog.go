package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bnfk/internal/logger"
	"bnfk/internal/notify"
	"bnfk/internal/store"
)

// Refiller backfills the given codes; satisfied by collector.Refill.
type Refiller interface {
	Run(ctx context.Context, codes []string) error
}

// Watchdog periodically checks price freshness across the universe and
// triggers a bounded refill of whatever fell behind. Exactly one instance may
// run per state directory, enforced with a file lock.
type Watchdog struct {
	Store    *store.Store
	Refiller Refiller
	Notifier notify.TextNotifier

	Interval       time.Duration
	StaleAfterDays int
	MaxRefillCodes int
	LockPath       string

	now func() time.Time
}

func New(st *store.Store, refiller Refiller, notifier notify.TextNotifier, interval time.Duration, staleAfterDays, maxRefillCodes int, lockPath string) *Watchdog {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Watchdog{
		Store:          st,
		Refiller:       refiller,
		Notifier:       notifier,
		Interval:       interval,
		StaleAfterDays: staleAfterDays,
		MaxRefillCodes: maxRefillCodes,
		LockPath:       lockPath,
		now:            time.Now,
	}
}

// Run loops until the context is canceled. A second concurrent instance
// fails fast instead of doubling the brokerage load.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.LockPath != "" {
		lock, err := acquireLock(w.LockPath)
		if err != nil {
			return fmt.Errorf("watchdog: %w", err)
		}
		defer lock.release()
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	logger.Infof("watchdog running every %s, staleness threshold %d days", w.Interval, w.StaleAfterDays)

	for {
		if err := w.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("watchdog check failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce performs one freshness sweep and refill.
func (w *Watchdog) CheckOnce(ctx context.Context) error {
	cutoff := w.now().AddDate(0, 0, -w.StaleAfterDays).Format("2006-01-02")
	stale, err := w.Store.StalePriceCodes(ctx, cutoff, w.MaxRefillCodes)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		logger.Debugf("watchdog: all codes fresh (cutoff %s)", cutoff)
		return nil
	}

	logger.Warnf("watchdog: %d codes stale past %s, refilling", len(stale), cutoff)
	if err := w.Notifier.SendText(staleMessage(stale, cutoff)); err != nil {
		logger.Warnf("watchdog notify failed: %v", err)
	}
	if w.Refiller == nil {
		return nil
	}
	return w.Refiller.Run(ctx, stale)
}

func staleMessage(codes []string, cutoff string) string {
	shown := codes
	if len(shown) > 10 {
		shown = shown[:10]
	}
	return fmt.Sprintf("watchdog: %d codes have no bars since %s\n%s",
		len(codes), cutoff, strings.Join(shown, ", "))
}
