package notify

import (
	"strings"

	"bnfk/internal/config"
	"bnfk/internal/logger"
)

// TextNotifier is the minimal notification surface; components depend on it
// instead of concrete transports.
type TextNotifier interface {
	SendText(text string) error
}

// Noop discards everything. Used when no channel is configured.
type Noop struct{}

func (Noop) SendText(string) error { return nil }

// Fanout sends through the primary channel and falls back to the secondary
// when the primary fails. SiteURL, when set, is appended to every message so
// recipients can jump to the dashboard.
type Fanout struct {
	Primary   TextNotifier
	Secondary TextNotifier
	SiteURL   string
}

// FromConfig builds the configured notifier chain: Discord primary, Telegram
// fallback, Noop when neither is enabled.
func FromConfig(cfg config.NotifyConfig, siteURL string) TextNotifier {
	var primary, secondary TextNotifier
	if cfg.Discord.Enabled && cfg.Discord.Webhook != "" {
		primary = NewDiscord(cfg.Discord.Webhook)
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		tg := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if primary == nil {
			primary = tg
		} else {
			secondary = tg
		}
	}
	if primary == nil {
		return Noop{}
	}
	return &Fanout{Primary: primary, Secondary: secondary, SiteURL: siteURL}
}

func (f *Fanout) SendText(text string) error {
	if url := strings.TrimSpace(f.SiteURL); url != "" {
		text = text + "\n" + url
	}
	err := f.Primary.SendText(text)
	if err == nil {
		return nil
	}
	if f.Secondary == nil {
		return err
	}
	logger.Warnf("primary notifier failed, using fallback: %v", err)
	return f.Secondary.SendText(text)
}
