package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bnfk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefiller struct {
	codes [][]string
}

func (f *fakeRefiller) Run(_ context.Context, codes []string) error {
	f.codes = append(f.codes, codes)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) SendText(text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckOnceRefillsStaleCodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ReplaceUniverse(ctx, []store.UniverseMember{
		{Code: "005930", Rank: 1},
		{Code: "000660", Rank: 2},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: "2026-03-03", Close: 105},
		{Code: "000660", Date: "2026-01-10", Close: 200},
	}))

	refiller := &fakeRefiller{}
	notifier := &fakeNotifier{}
	w := New(s, refiller, notifier, time.Minute, 2, 100, "")
	w.now = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, w.CheckOnce(ctx))
	require.Len(t, refiller.codes, 1)
	assert.Equal(t, []string{"000660"}, refiller.codes[0])
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "000660")
}

func TestCheckOnceQuietWhenFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ReplaceUniverse(ctx, []store.UniverseMember{{Code: "005930", Rank: 1}})
	require.NoError(t, err)
	require.NoError(t, s.UpsertDailyPrices(ctx, []store.DailyPrice{
		{Code: "005930", Date: "2026-03-03", Close: 105},
	}))

	refiller := &fakeRefiller{}
	notifier := &fakeNotifier{}
	w := New(s, refiller, notifier, time.Minute, 2, 100, "")
	w.now = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, w.CheckOnce(ctx))
	assert.Empty(t, refiller.codes)
	assert.Empty(t, notifier.messages)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.lock")
	first, err := acquireLock(path)
	require.NoError(t, err)
	defer first.release()

	_, err = acquireLock(path)
	require.Error(t, err)

	first.release()
	second, err := acquireLock(path)
	require.NoError(t, err)
	second.release()
}
