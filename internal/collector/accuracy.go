package collector

import (
	"context"
	"time"

	"bnfk/internal/logger"
	"bnfk/internal/store"

	"github.com/tidwall/gjson"
)

// Accuracy pulls the supplementary datasets (investor flows, short selling)
// the signal review process compares against.
type Accuracy struct {
	API   MarketAPI
	Store *store.Store

	// LookbackDays bounds the fetch window per code.
	LookbackDays int

	now func() time.Time
}

func NewAccuracy(api MarketAPI, st *store.Store, lookbackDays int) *Accuracy {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &Accuracy{API: api, Store: st, LookbackDays: lookbackDays, now: time.Now}
}

// Run fetches flows and short-sale rows for every universe code.
func (a *Accuracy) Run(ctx context.Context) error {
	jobID, err := a.Store.StartJob(ctx, "accuracy")
	if err != nil {
		return err
	}
	codes, err := a.Store.ListUniverseCodes(ctx)
	if err != nil {
		_ = a.Store.FinishJob(ctx, jobID, "error", map[string]any{"error": err.Error()})
		return err
	}

	to := a.now()
	from := to.AddDate(0, 0, -a.LookbackDays)
	var ok, failed int
	for _, code := range codes {
		if ctx.Err() != nil {
			_ = a.Store.FinishJob(ctx, jobID, "canceled", map[string]any{"ok": ok, "failed": failed})
			return ctx.Err()
		}
		if err := a.CollectCode(ctx, code, formatDateCompact(from), formatDateCompact(to)); err != nil {
			failed++
			logger.Errorf("accuracy: %s failed: %v", code, err)
			continue
		}
		ok++
	}
	status := "ok"
	if failed > 0 && ok == 0 {
		status = "error"
	}
	logger.Infof("accuracy: done, %d ok, %d failed", ok, failed)
	return a.Store.FinishJob(ctx, jobID, status, map[string]any{"ok": ok, "failed": failed})
}

// CollectCode fetches both datasets for one code and date range (YYYYMMDD).
func (a *Accuracy) CollectCode(ctx context.Context, code, from, to string) error {
	flowRows, err := a.API.InvestorTradeDaily(ctx, code, from, to)
	if err != nil {
		return err
	}
	if err := a.Store.UpsertInvestorFlows(ctx, parseInvestorFlows(code, flowRows)); err != nil {
		return err
	}

	shortRows, err := a.API.DailyShortSale(ctx, code, from, to)
	if err != nil {
		return err
	}
	return a.Store.UpsertShortSales(ctx, parseShortSales(code, shortRows))
}

func parseInvestorFlows(code string, rows gjson.Result) []store.InvestorFlow {
	var flows []store.InvestorFlow
	rows.ForEach(func(_, row gjson.Result) bool {
		date := normalizeDate(row.Get("stck_bsop_date").String())
		if date == "" {
			return true
		}
		flows = append(flows, store.InvestorFlow{
			Code:        code,
			Date:        date,
			Foreign:     row.Get("frgn_ntby_qty").Int(),
			Institution: row.Get("orgn_ntby_qty").Int(),
			Individual:  row.Get("prsn_ntby_qty").Int(),
			Program:     row.Get("etc_orgt_ntby_qty").Int(),
		})
		return true
	})
	return flows
}

func parseShortSales(code string, rows gjson.Result) []store.ShortSale {
	var sales []store.ShortSale
	rows.ForEach(func(_, row gjson.Result) bool {
		date := normalizeDate(row.Get("stck_bsop_date").String())
		if date == "" {
			return true
		}
		sales = append(sales, store.ShortSale{
			Code:   code,
			Date:   date,
			Volume: row.Get("ssts_cntg_qty").Int(),
			Value:  row.Get("ssts_tr_pbmn").Int(),
			Ratio:  row.Get("ssts_vol_rlim").Float(),
		})
		return true
	})
	return sales
}
