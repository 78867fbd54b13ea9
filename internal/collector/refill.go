package collector

import (
	"context"
	"time"

	"bnfk/internal/logger"
	"bnfk/internal/store"
)

// chunkDays is the ranged-chart page size; the endpoint returns at most 100
// rows per call.
const chunkDays = 100

// Refill backfills history down to StartDate, resuming per code from the
// recorded progress so an interrupted run picks up where it stopped.
type Refill struct {
	API   MarketAPI
	Store *store.Store

	// StartDate is the YYYY-MM-DD floor of the backfill.
	StartDate string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRefill(api MarketAPI, st *store.Store, startDate string) *Refill {
	return &Refill{
		API:       api,
		Store:     st,
		StartDate: startDate,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Run backfills the given codes, or the whole universe when codes is empty.
func (r *Refill) Run(ctx context.Context, codes []string) error {
	jobID, err := r.Store.StartJob(ctx, "refill")
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		codes, err = r.Store.ListUniverseCodes(ctx)
		if err != nil {
			_ = r.Store.FinishJob(ctx, jobID, "error", map[string]any{"error": err.Error()})
			return err
		}
	}

	var done, failed int
	for _, code := range codes {
		if ctx.Err() != nil {
			_ = r.Store.FinishJob(ctx, jobID, "canceled", map[string]any{"done": done, "failed": failed})
			return ctx.Err()
		}
		if err := r.BackfillCode(ctx, code); err != nil {
			failed++
			logger.Errorf("refill: %s failed: %v", code, err)
			continue
		}
		done++
	}
	status := "ok"
	if failed > 0 && done == 0 {
		status = "error"
	}
	logger.Infof("refill: done, %d filled, %d failed", done, failed)
	return r.Store.FinishJob(ctx, jobID, status, map[string]any{"done": done, "failed": failed})
}

// BackfillCode pages backward from the resume point until StartDate is
// covered, saving progress after every chunk.
func (r *Refill) BackfillCode(ctx context.Context, code string) error {
	progress, found, err := r.Store.LoadRefillProgress(ctx, code)
	if err != nil {
		return err
	}
	if found && progress.Done {
		return nil
	}

	upper := r.now()
	if found && progress.LastDate != "" {
		if t, perr := time.Parse("2006-01-02", progress.LastDate); perr == nil {
			upper = t.AddDate(0, 0, -1)
		}
	}
	floor, err := time.Parse("2006-01-02", r.StartDate)
	if err != nil {
		return err
	}

	for !upper.Before(floor) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lower := upper.AddDate(0, 0, -(chunkDays - 1))
		if lower.Before(floor) {
			lower = floor
		}
		rows, err := r.API.DailyChart(ctx, code, formatDateCompact(lower), formatDateCompact(upper), true)
		if err != nil {
			return err
		}
		bars := parseDailyChart(code, rows)
		if len(bars) > 0 {
			if err := r.Store.UpsertDailyPrices(ctx, bars); err != nil {
				return err
			}
		}
		reached := lower.Format("2006-01-02")
		if err := r.Store.SaveRefillProgress(ctx, store.RefillProgress{Code: code, LastDate: reached}); err != nil {
			return err
		}
		logger.Debugf("refill: %s reached %s (%d bars)", code, reached, len(bars))
		upper = lower.AddDate(0, 0, -1)
	}

	// Indicators need the full contiguous series, so they are recomputed once
	// after the range is complete.
	if err := r.recomputeIndicators(ctx, code); err != nil {
		return err
	}
	return r.Store.SaveRefillProgress(ctx, store.RefillProgress{Code: code, LastDate: r.StartDate, Done: true})
}

func (r *Refill) recomputeIndicators(ctx context.Context, code string) error {
	prices, err := r.Store.LoadPrices(ctx, code, "", "")
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		return nil
	}
	applyIndicators(nil, prices)
	return r.Store.UpsertDailyPrices(ctx, prices)
}
