package kis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// tokenCache persists one credential's bearer token so a fresh process reuses
// a still-valid token instead of burning an issuance call. Writes go through
// a temp file and rename so readers never see a torn file.
type tokenCache struct {
	path string
}

type tokenCachePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

func (c *tokenCache) Load() (string, time.Time, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", time.Time{}, false
	}
	var payload tokenCachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", time.Time{}, false
	}
	if payload.AccessToken == "" || payload.ExpiresAt == "" {
		return "", time.Time{}, false
	}
	exp, err := time.Parse(time.RFC3339, payload.ExpiresAt)
	if err != nil {
		return "", time.Time{}, false
	}
	return payload.AccessToken, exp, true
}

func (c *tokenCache) Save(token string, expiresAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(tokenCachePayload{
		AccessToken: token,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *tokenCache) Clear() {
	_ = os.Remove(c.path)
}
