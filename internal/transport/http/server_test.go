package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bnfk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewServer(st, ":0"), st
}

func doGET(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doGET(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestPricesRequiresCode(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doGET(t, s, "/api/prices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPricesReturnsStoredBars(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	recent := time.Now().AddDate(0, 0, -2).Format("2006-01-02")
	old := time.Now().AddDate(-2, 0, 0).Format("2006-01-02")
	require.NoError(t, st.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: recent, Close: 105, Volume: 1000},
		{Code: "005930", Date: old, Close: 80, Volume: 900},
	}))

	// Default window covers the recent bar only.
	rec, body := doGET(t, s, "/api/prices?code=005930")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	// A wide window picks up both.
	rec, body = doGET(t, s, "/api/prices?code=005930&days=2000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestUniverseAndJobsEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	_, _, err := st.ReplaceUniverse(ctx, []store.UniverseMember{
		{Code: "005930", Name: "Samsung Electronics", Market: "KOSPI", Rank: 1},
	})
	require.NoError(t, err)
	id, err := st.StartJob(ctx, "daily")
	require.NoError(t, err)
	require.NoError(t, st.FinishJob(ctx, id, "ok", nil))

	rec, body := doGET(t, s, "/api/universe")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = doGET(t, s, "/api/jobs?name=daily")
	assert.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)

	rec, body = doGET(t, s, "/api/refill")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["count"])
}
