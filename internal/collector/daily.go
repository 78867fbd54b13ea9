package collector

import (
	"context"
	"errors"
	"time"

	"bnfk/internal/broker/kis"
	"bnfk/internal/logger"
	"bnfk/internal/store"
)

// defaultLookbackDays bounds the first fetch for a code with no stored bars.
const defaultLookbackDays = 120

// Daily walks the universe and pulls each code forward from its last stored
// bar. A failed code is logged and skipped so one bad ticker never sinks the
// whole batch.
type Daily struct {
	API   MarketAPI
	Store *store.Store

	// Cooldowns applied between codes after a failure, keyed off the failure
	// status. Zero values disable the pause.
	AuthCooldown      time.Duration
	TransientCooldown time.Duration
	ErrorPause        time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDaily(api MarketAPI, st *store.Store, authCooldown, transientCooldown time.Duration) *Daily {
	return &Daily{
		API:               api,
		Store:             st,
		AuthCooldown:      authCooldown,
		TransientCooldown: transientCooldown,
		ErrorPause:        5 * time.Second,
		now:               time.Now,
		sleep:             sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run collects one incremental pass over the whole universe and records the
// outcome as a job run.
func (d *Daily) Run(ctx context.Context) error {
	jobID, err := d.Store.StartJob(ctx, "daily")
	if err != nil {
		return err
	}
	codes, err := d.Store.ListUniverseCodes(ctx)
	if err != nil {
		_ = d.Store.FinishJob(ctx, jobID, "error", map[string]any{"error": err.Error()})
		return err
	}

	var updated, failed int
	for _, code := range codes {
		if ctx.Err() != nil {
			_ = d.Store.FinishJob(ctx, jobID, "canceled", map[string]any{"updated": updated, "failed": failed})
			return ctx.Err()
		}
		n, err := d.CollectCode(ctx, code)
		if err != nil {
			failed++
			logger.Errorf("daily: %s failed: %v", code, err)
			if err := d.pauseAfterError(ctx, err); err != nil {
				_ = d.Store.FinishJob(ctx, jobID, "canceled", map[string]any{"updated": updated, "failed": failed})
				return err
			}
			continue
		}
		if n > 0 {
			updated++
		}
	}

	status := "ok"
	if failed > 0 && updated == 0 {
		status = "error"
	}
	logger.Infof("daily: done, %d/%d codes updated, %d failed", updated, len(codes), failed)
	return d.Store.FinishJob(ctx, jobID, status, map[string]any{"updated": updated, "failed": failed})
}

// CollectCode fetches bars newer than the last stored date for one code and
// upserts them with indicators. Returns the number of new bars.
func (d *Daily) CollectCode(ctx context.Context, code string) (int, error) {
	last, err := d.Store.LastPriceDate(ctx, code)
	if err != nil {
		return 0, err
	}
	today := d.now()
	from := today.AddDate(0, 0, -defaultLookbackDays)
	if last != "" {
		if t, perr := time.Parse("2006-01-02", last); perr == nil {
			from = t.AddDate(0, 0, 1)
		}
	}
	if from.After(today) {
		return 0, nil
	}

	rows, err := d.API.DailyChart(ctx, code, formatDateCompact(from), formatDateCompact(today), true)
	if err != nil {
		return 0, err
	}
	bars := parseDailyChart(code, rows)
	fresh := bars[:0]
	for _, b := range bars {
		if last == "" || b.Date > last {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	prior, err := d.priorCloses(ctx, code, fresh[0].Date)
	if err != nil {
		return 0, err
	}
	applyIndicators(prior, fresh)
	if err := d.Store.UpsertDailyPrices(ctx, fresh); err != nil {
		return 0, err
	}
	logger.Debugf("daily: %s +%d bars through %s", code, len(fresh), fresh[len(fresh)-1].Date)
	return len(fresh), nil
}

// priorCloses returns up to one indicator window of stored closes before a
// date, oldest first.
func (d *Daily) priorCloses(ctx context.Context, code, before string) ([]float64, error) {
	prices, err := d.Store.LoadPrices(ctx, code, "", before)
	if err != nil {
		return nil, err
	}
	// LoadPrices' upper bound is inclusive; drop the boundary date itself.
	for len(prices) > 0 && prices[len(prices)-1].Date >= before {
		prices = prices[:len(prices)-1]
	}
	if len(prices) > maWindow {
		prices = prices[len(prices)-maWindow:]
	}
	closes := make([]float64, len(prices))
	for i, p := range prices {
		closes[i] = p.Close
	}
	return closes, nil
}

// pauseAfterError applies the status-aware pause between codes: forbidden
// responses wait out the auth window, other transient failures wait the
// shorter knob, anything else gets a token pause.
func (d *Daily) pauseAfterError(ctx context.Context, err error) error {
	pause := d.ErrorPause
	var transient *kis.TransientError
	if errors.As(err, &transient) {
		switch transient.Status {
		case 403:
			if d.AuthCooldown > 0 {
				pause = d.AuthCooldown
			}
		default:
			if d.TransientCooldown > 0 {
				pause = d.TransientCooldown
			}
		}
	}
	return d.sleep(ctx, pause)
}
