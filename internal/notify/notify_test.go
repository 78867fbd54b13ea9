package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bnfk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextSplitsOnLines(t *testing.T) {
	long := strings.Repeat("aaaaaaaaa\n", 300) // ~3000 chars
	chunks := chunkText(long, 1900)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1900)
		assert.False(t, strings.HasPrefix(c, "\n"))
	}
	assert.Equal(t, strings.TrimRight(long, "\n"), strings.Join(chunks, "\n"))
}

func TestChunkTextHardCutsOversizedLine(t *testing.T) {
	chunks := chunkText(strings.Repeat("x", 4000), 1900)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1900)
	assert.Len(t, chunks[2], 200)
}

func TestDiscordRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retry_after": 0.01}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	require.NoError(t, d.SendText("hello"))
	assert.Equal(t, 2, calls)
	require.Len(t, slept, 1)
	assert.Equal(t, 10*time.Millisecond, slept[0])
}

func TestDiscordGivesUpAfterSecond429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	d.sleep = func(time.Duration) {}
	require.Error(t, d.SendText("hello"))
}

func TestTelegramSendsToChat(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("bot-token", "chat-1")
	tg.BaseURL = srv.URL
	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, "/botbot-token/sendMessage", path)
}

type recorder struct {
	messages []string
	err      error
}

func (r *recorder) SendText(text string) error {
	r.messages = append(r.messages, text)
	return r.err
}

func TestFanoutFallsBackAndAppendsSiteURL(t *testing.T) {
	primary := &recorder{err: assert.AnError}
	secondary := &recorder{}
	f := &Fanout{Primary: primary, Secondary: secondary, SiteURL: "https://dash.example.com"}

	require.NoError(t, f.SendText("refill done"))
	require.Len(t, secondary.messages, 1)
	assert.Contains(t, secondary.messages[0], "refill done")
	assert.Contains(t, secondary.messages[0], "https://dash.example.com")
}

func TestFromConfigDisabled(t *testing.T) {
	n := FromConfig(config.NotifyConfig{}, "")
	assert.IsType(t, Noop{}, n)
	assert.NoError(t, n.SendText("dropped"))
}
