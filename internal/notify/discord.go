package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Discord posts messages to a webhook. Discord caps content at 2000
// characters, so long messages are split on line boundaries below that.
const discordChunkLimit = 1900

type Discord struct {
	Webhook string
	Client  *http.Client

	sleep func(d time.Duration)
}

func NewDiscord(webhook string) *Discord {
	return &Discord{
		Webhook: webhook,
		Client:  &http.Client{Timeout: 15 * time.Second},
		sleep:   time.Sleep,
	}
}

func (d *Discord) SendText(text string) error {
	if d.Webhook == "" {
		return fmt.Errorf("discord webhook not configured")
	}
	for _, chunk := range chunkText(text, discordChunkLimit) {
		if err := d.postChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

// postChunk sends one message, honoring a single 429 Retry-After pause.
func (d *Discord) postChunk(chunk string) error {
	payload, _ := json.Marshal(map[string]string{"content": chunk})

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.Webhook, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.Client.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode/100 == 2 {
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			d.sleep(retryAfter(resp.Header.Get("Retry-After"), body))
			continue
		}
		return fmt.Errorf("discord status=%d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("discord rate limited")
}

// retryAfter reads the wait from the header or the JSON body, defaulting to
// one second.
func retryAfter(header string, body []byte) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return time.Second
}

// chunkText splits on newlines first and hard-cuts only when a single line
// exceeds the limit.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var current string
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}
	remaining := text
	for remaining != "" {
		line := remaining
		if i := indexNewline(remaining); i >= 0 {
			line = remaining[:i]
			remaining = remaining[i+1:]
		} else {
			remaining = ""
		}
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		switch {
		case current == "":
			current = line
		case len(current)+1+len(line) <= limit:
			current += "\n" + line
		default:
			flush()
			current = line
		}
	}
	flush()
	return chunks
}

func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
