package backtest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"bnfk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testParams() Params {
	p := DefaultParams()
	p.InitialCash = 1000
	p.MaxPositions = 1
	p.MinVolume = 10000
	p.FeePct = 0
	p.TakeProfitDisparity = 102
	p.StopLossPct = 10
	p.MaxHoldingDays = 20
	return p
}

func seedUniverse(t *testing.T, s *store.Store, code string) {
	t.Helper()
	_, _, err := s.ReplaceUniverse(context.Background(), []store.UniverseMember{
		{Code: code, Market: "KOSPI", Rank: 1},
	})
	require.NoError(t, err)
}

func TestLoadParamsDefaultsAndOverride(t *testing.T) {
	params, err := LoadParams(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultParams().MaxHoldingDays, params.MaxHoldingDays)

	path := filepath.Join(t.TempDir(), "strategy.yaml")
	doc := "take_profit_disparity: 105\nmax_holding_days: 10\nbuy_disparity:\n  KOSDAQ: 85\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	params, err = LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 105.0, params.TakeProfitDisparity)
	assert.Equal(t, 10, params.MaxHoldingDays)
	assert.Equal(t, 85.0, params.BuyThreshold("KOSDAQ"))
	assert.Equal(t, DefaultParams().DefaultBuyDisparity, params.BuyThreshold("KONEX"))
}

func TestLoadParamsRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stop_loss_pct: 0\n"), 0o644))
	_, err := LoadParams(path)
	require.Error(t, err)
}

func TestRunnerTakeProfitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUniverse(t, s, "005930")

	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		// Signal day: disparity at 90 is on the buy side of the KOSPI 92 line.
		{Code: "005930", Date: "2026-03-02", Open: 99, Close: 98, Volume: 20000, MA25: 108.9, Disparity: 90},
		// Entry fills at this open; the close tags the take-profit line.
		{Code: "005930", Date: "2026-03-03", Open: 100, Close: 103, Volume: 20000, MA25: 100.9, Disparity: 102.1},
		// Exit fills at this open.
		{Code: "005930", Date: "2026-03-04", Open: 105, Close: 104, Volume: 20000, MA25: 101.5, Disparity: 102.5},
	}))

	runner := NewRunner(testParams(), s)
	result, err := runner.Run(ctx, nil, "", "")
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.Equal(t, "2026-03-03", tr.EntryDate)
	assert.Equal(t, "2026-03-04", tr.ExitDate)
	assert.Equal(t, "take_profit", tr.Reason)
	assert.EqualValues(t, 10, tr.Quantity)
	assert.Equal(t, "50", tr.PnL.String())

	assert.Equal(t, 1, result.Stats.Trades)
	assert.Equal(t, 1.0, result.Stats.WinRate)
	assert.InDelta(t, 5.0, result.Stats.TotalReturnPct, 1e-9)
}

func TestRunnerStopLoss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUniverse(t, s, "000660")

	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "000660", Date: "2026-03-02", Open: 99, Close: 98, Volume: 20000, MA25: 108.9, Disparity: 90},
		{Code: "000660", Date: "2026-03-03", Open: 100, Close: 89, Volume: 20000, MA25: 100, Disparity: 89},
		{Code: "000660", Date: "2026-03-04", Open: 88, Close: 87, Volume: 20000, MA25: 99, Disparity: 88},
	}))

	runner := NewRunner(testParams(), s)
	result, err := runner.Run(ctx, nil, "", "")
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, "stop_loss", result.Trades[0].Reason)
	assert.True(t, result.Trades[0].PnL.IsNegative())
	assert.Zero(t, result.Stats.Wins)
	assert.Greater(t, result.Stats.MaxDrawdownPct, 0.0)
}

func TestRunnerLiquidityCutBlocksEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUniverse(t, s, "035420")

	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "035420", Date: "2026-03-02", Open: 99, Close: 98, Volume: 100, MA25: 108.9, Disparity: 90},
		{Code: "035420", Date: "2026-03-03", Open: 100, Close: 103, Volume: 100, MA25: 100.9, Disparity: 102.1},
	}))

	runner := NewRunner(testParams(), s)
	result, err := runner.Run(ctx, nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
}

func TestWriteReportsAndSaveResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUniverse(t, s, "005930")
	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: "2026-03-02", Open: 99, Close: 98, Volume: 20000, MA25: 108.9, Disparity: 90},
		{Code: "005930", Date: "2026-03-03", Open: 100, Close: 103, Volume: 20000, MA25: 100.9, Disparity: 102.1},
		{Code: "005930", Date: "2026-03-04", Open: 105, Close: 104, Volume: 20000, MA25: 101.5, Disparity: 102.5},
	}))

	params := testParams()
	runner := NewRunner(params, s)
	result, err := runner.Run(ctx, nil, "", "")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, WriteReports(result, dir))
	trades, err := os.ReadFile(filepath.Join(dir, "trades.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(trades), "take_profit")
	equity, err := os.ReadFile(filepath.Join(dir, "equity.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(equity), "2026-03-04")

	dbPath := filepath.Join(dir, "results.db")
	require.NoError(t, SaveResult(ctx, dbPath, params.Name, params, result))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var trcount int
	require.NoError(t, db.QueryRow("SELECT trades FROM backtest_runs WHERE name = ?", params.Name).Scan(&trcount))
	assert.Equal(t, 1, trcount)
}

func TestRenderEquityChartWritesHTML(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUniverse(t, s, "005930")
	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: "2026-03-02", Open: 99, Close: 98, Volume: 20000, MA25: 108.9, Disparity: 98},
	}))
	runner := NewRunner(testParams(), s)
	result, err := runner.Run(ctx, nil, "", "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "equity.html")
	html, err := RenderEquityChart(result, "test run", path)
	require.NoError(t, err)
	assert.NotEmpty(t, html)
	_, err = os.Stat(path)
	require.NoError(t, err)
}
