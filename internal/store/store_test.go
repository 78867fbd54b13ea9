package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReplaceUniverseDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, removed, err := s.ReplaceUniverse(ctx, []UniverseMember{
		{Code: "005930", Name: "Samsung Electronics", Market: "KOSPI", Rank: 1},
		{Code: "000660", Name: "SK hynix", Market: "KOSPI", Rank: 2},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"005930", "000660"}, added)
	assert.Empty(t, removed)

	added, removed, err = s.ReplaceUniverse(ctx, []UniverseMember{
		{Code: "005930", Name: "Samsung Electronics", Market: "KOSPI", Rank: 1},
		{Code: "035420", Name: "NAVER", Market: "KOSPI", Rank: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"035420"}, added)
	assert.Equal(t, []string{"000660"}, removed)

	codes, err := s.ListUniverseCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "035420"}, codes)
}

func TestDailyPriceUpsertAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDailyPrices(ctx, []DailyPrice{
		{Code: "005930", Date: "2026-03-02", Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000},
		{Code: "005930", Date: "2026-03-03", Open: 105, High: 112, Low: 101, Close: 111, Volume: 1200},
	}))

	// Re-collecting the same day replaces the row instead of duplicating it.
	require.NoError(t, s.UpsertDailyPrices(ctx, []DailyPrice{
		{Code: "005930", Date: "2026-03-03", Open: 105, High: 115, Low: 101, Close: 114, Volume: 1500},
	}))

	total, err := s.CountPrices(ctx, "005930")
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	last, err := s.LastPriceDate(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", last)

	prices, err := s.LoadPrices(ctx, "005930", "2026-03-03", "")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 114.0, prices[0].Close)

	last, err = s.LastPriceDate(ctx, "999999")
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestStalePriceCodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ReplaceUniverse(ctx, []UniverseMember{
		{Code: "005930", Rank: 1},
		{Code: "000660", Rank: 2},
		{Code: "035420", Rank: 3},
	})
	require.NoError(t, err)

	require.NoError(t, s.UpsertDailyPrices(ctx, []DailyPrice{
		{Code: "005930", Date: "2026-03-03", Close: 105},
		{Code: "000660", Date: "2026-02-10", Close: 200},
	}))

	// 000660 is behind the cutoff, 035420 has no bars at all.
	stale, err := s.StalePriceCodes(ctx, "2026-03-01", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"000660", "035420"}, stale)
}

func TestRefillProgressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.LoadRefillProgress(ctx, "005930")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveRefillProgress(ctx, RefillProgress{Code: "005930", LastDate: "2024-01-31"}))
	require.NoError(t, s.SaveRefillProgress(ctx, RefillProgress{Code: "005930", LastDate: "2024-06-30", Done: true}))

	rec, found, err := s.LoadRefillProgress(ctx, "005930")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-06-30", rec.LastDate)
	assert.True(t, rec.Done)

	pending, err := s.PendingRefillCodes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJobRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartJob(ctx, "daily")
	require.NoError(t, err)
	require.NoError(t, s.FinishJob(ctx, id, "ok", map[string]any{"codes": 200}))

	run, found, err := s.LastSuccessfulJob(ctx, "daily")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ok", run.Status)
	assert.NotEmpty(t, run.RunID)
	require.NotNil(t, run.FinishedAt)

	_, found, err = s.LastSuccessfulJob(ctx, "refill")
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, s.FinishJob(ctx, 9999, "ok", nil), gorm.ErrRecordNotFound)
}

func TestInvestorFlowAndShortSaleUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInvestorFlows(ctx, []InvestorFlow{
		{Code: "005930", Date: "2026-03-02", Foreign: 1000, Institution: -500, Individual: -500},
	}))
	require.NoError(t, s.UpsertInvestorFlows(ctx, []InvestorFlow{
		{Code: "005930", Date: "2026-03-02", Foreign: 1100, Institution: -600, Individual: -500},
	}))
	flows, err := s.LoadInvestorFlows(ctx, "005930", "", "")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.EqualValues(t, 1100, flows[0].Foreign)

	require.NoError(t, s.UpsertShortSales(ctx, []ShortSale{
		{Code: "005930", Date: "2026-03-02", Volume: 50000, Ratio: 2.5},
	}))
	shorts, err := s.LoadShortSales(ctx, "005930", "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	require.Len(t, shorts, 1)
	assert.Equal(t, 2.5, shorts[0].Ratio)
}
