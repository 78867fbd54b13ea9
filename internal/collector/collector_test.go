package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bnfk/internal/broker/kis"
	"bnfk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeAPI struct {
	chartCalls []string // "code from-to"
	charts     map[string]string
	errs       map[string]error
	flows      string
	shorts     string
}

func (f *fakeAPI) DailyChart(_ context.Context, code, from, to string, _ bool) (gjson.Result, error) {
	f.chartCalls = append(f.chartCalls, code+" "+from+"-"+to)
	if err, ok := f.errs[code]; ok {
		return gjson.Result{}, err
	}
	if payload, ok := f.charts[code]; ok {
		return gjson.Parse(payload), nil
	}
	return gjson.Parse(`[]`), nil
}

func (f *fakeAPI) InvestorTradeDaily(context.Context, string, string, string) (gjson.Result, error) {
	return gjson.Parse(f.flows), nil
}

func (f *fakeAPI) DailyShortSale(context.Context, string, string, string) (gjson.Result, error) {
	return gjson.Parse(f.shorts), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
}

func TestParseDailyChartSortsAndSkipsPadding(t *testing.T) {
	rows := gjson.Parse(`[
		{"stck_bsop_date":"20260303","stck_oprc":"105","stck_hgpr":"112","stck_lwpr":"101","stck_clpr":"111","acml_vol":"1200"},
		{},
		{"stck_bsop_date":"20260302","stck_oprc":"100","stck_hgpr":"110","stck_lwpr":"95","stck_clpr":"105","acml_vol":"1000"}
	]`)
	bars := parseDailyChart("005930", rows)
	require.Len(t, bars, 2)
	assert.Equal(t, "2026-03-02", bars[0].Date)
	assert.Equal(t, "2026-03-03", bars[1].Date)
	assert.Equal(t, 111.0, bars[1].Close)
	assert.EqualValues(t, 1200, bars[1].Volume)
}

func TestRollingMeanMinPeriods(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60}
	ma := rollingMean(values, 25, 5)
	assert.Zero(t, ma[3], "below the minimum period count")
	assert.Equal(t, 30.0, ma[4])
	assert.Equal(t, 35.0, ma[5])
}

func TestRollingMeanFullWindow(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i + 1)
	}
	ma := rollingMean(values, 25, 5)
	// Mean of 1..25 is 13, of 6..30 is 18.
	assert.InDelta(t, 13.0, ma[24], 1e-9)
	assert.InDelta(t, 18.0, ma[29], 1e-9)
}

func TestDailyCollectCodeIncremental(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: "2026-03-02", Close: 105, Volume: 1000},
	}))

	api := &fakeAPI{charts: map[string]string{
		"005930": `[
			{"stck_bsop_date":"20260302","stck_clpr":"105","acml_vol":"1000"},
			{"stck_bsop_date":"20260303","stck_clpr":"111","acml_vol":"1200"}
		]`,
	}}
	d := NewDaily(api, s, 0, 0)
	d.now = fixedNow

	n, err := d.CollectCode(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the bar newer than the stored date counts")

	last, err := s.LastPriceDate(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", last)

	// The fetch window starts the day after the stored bar.
	require.Len(t, api.chartCalls, 1)
	assert.Equal(t, "005930 20260303-20260304", api.chartCalls[0])
}

func TestDailyRunIsolatesFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ReplaceUniverse(ctx, []store.UniverseMember{
		{Code: "005930", Rank: 1},
		{Code: "000660", Rank: 2},
	})
	require.NoError(t, err)

	api := &fakeAPI{
		charts: map[string]string{
			"000660": `[{"stck_bsop_date":"20260303","stck_clpr":"200","acml_vol":"500"}]`,
		},
		errs: map[string]error{
			"005930": &kis.TransientError{Status: 503},
		},
	}
	d := NewDaily(api, s, 0, 0)
	d.now = fixedNow
	d.ErrorPause = 0

	require.NoError(t, d.Run(ctx))

	// Both codes were attempted even though the first one failed.
	assert.Len(t, api.chartCalls, 2)
	last, err := s.LastPriceDate(ctx, "000660")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", last)
	runs, err := s.RecentJobs(ctx, "daily", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)
}

func TestRefillResumesAndFinishes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	api := &fakeAPI{charts: map[string]string{
		"005930": `[{"stck_bsop_date":"20260102","stck_clpr":"100","acml_vol":"10"}]`,
	}}
	r := NewRefill(api, s, "2025-12-01")
	r.now = fixedNow

	require.NoError(t, r.BackfillCode(ctx, "005930"))
	rec, found, err := s.LoadRefillProgress(ctx, "005930")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Done)
	assert.Equal(t, "2025-12-01", rec.LastDate)
	assert.NotEmpty(t, api.chartCalls)

	// A finished code is skipped entirely on the next run.
	calls := len(api.chartCalls)
	require.NoError(t, r.BackfillCode(ctx, "005930"))
	assert.Equal(t, calls, len(api.chartCalls))
}

func TestAccuracyCollectCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	api := &fakeAPI{
		flows: `[{"stck_bsop_date":"20260302","frgn_ntby_qty":"1000","orgn_ntby_qty":"-400","prsn_ntby_qty":"-600"}]`,
		shorts: `[{"stck_bsop_date":"20260302","ssts_cntg_qty":"50000","ssts_tr_pbmn":"5250000","ssts_vol_rlim":"2.5"}]`,
	}
	a := NewAccuracy(api, s, 30)
	require.NoError(t, a.CollectCode(ctx, "005930", "20260201", "20260304"))

	flows, err := s.LoadInvestorFlows(ctx, "005930", "", "")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.EqualValues(t, 1000, flows[0].Foreign)
	assert.EqualValues(t, -400, flows[0].Institution)

	shorts, err := s.LoadShortSales(ctx, "005930", "", "")
	require.NoError(t, err)
	require.Len(t, shorts, 1)
	assert.Equal(t, 2.5, shorts[0].Ratio)
}

func TestUniverseSnapshotCSV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "universe.csv")
	csv := "code,name,market,rank\n005930,Samsung Electronics,KOSPI,1\n000660,SK hynix,KOSPI,2\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	u := NewUniverse(s)
	u.now = fixedNow
	added, removed, err := u.LoadSnapshot(ctx, path)
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Empty(t, removed)

	codes, err := s.ListUniverseCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660"}, codes)

	changes, err := s.RecentUniverseChanges(ctx, 5)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "2026-03-04", changes[0].Date)
}

func TestUniverseSnapshotJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "universe.json")
	payload := `[{"code":"035420","name":"NAVER","market":"KOSPI","rank":1}]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	u := NewUniverse(s)
	u.now = fixedNow
	added, _, err := u.LoadSnapshot(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"035420"}, added)
}
