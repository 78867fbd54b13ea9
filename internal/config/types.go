package config

// Config is the root settings document, loaded from YAML with env overrides.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	KIS       KISConfig       `mapstructure:"kis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	SiteURL   string          `mapstructure:"site_url"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// KISConfig carries every knob the broker client consumes. Defaults mirror the
// paper-trading environment.
type KISConfig struct {
	Env          string `mapstructure:"env"` // "paper" or "prod"
	BaseURLProd  string `mapstructure:"base_url_prod"`
	BaseURLPaper string `mapstructure:"base_url_paper"`
	WSURLProd    string `mapstructure:"ws_url_prod"`
	WSURLPaper   string `mapstructure:"ws_url_paper"`
	Custtype     string `mapstructure:"custtype"`

	// Fallback single credential when no personal records exist.
	AppKey         string `mapstructure:"app_key"`
	AppSecret      string `mapstructure:"app_secret"`
	AccountNo      string `mapstructure:"account_no"`
	AccountProduct string `mapstructure:"acnt_prdt_cd"`

	KeyRecordsPath string `mapstructure:"key_records_path"`
	KeyTogglePath  string `mapstructure:"key_toggle_path"`
	TokenCachePath string `mapstructure:"token_cache_path"`

	UseHashkey         bool    `mapstructure:"use_hashkey"`
	HashkeyCacheTTLSec float64 `mapstructure:"hashkey_cache_ttl_sec"`

	RateLimitSleepSec float64 `mapstructure:"rate_limit_sleep_sec"`
	TimeoutConnectSec float64 `mapstructure:"timeout_connect_sec"`
	TimeoutReadSec    float64 `mapstructure:"timeout_read_sec"`

	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffBaseSec   float64 `mapstructure:"backoff_base_sec"`
	BackoffCapSec    float64 `mapstructure:"backoff_cap_sec"`
	BackoffJitterSec float64 `mapstructure:"backoff_jitter_sec"`

	ConsecutiveErrorCooldownAfter int     `mapstructure:"consecutive_error_cooldown_after"`
	ConsecutiveErrorCooldownSec   float64 `mapstructure:"consecutive_error_cooldown_sec"`
	AuthForbiddenCooldownSec      float64 `mapstructure:"auth_forbidden_cooldown_sec"`
	SessionResetEvery             int     `mapstructure:"session_reset_every"`
}

// BaseURL picks the endpoint for the configured environment.
func (k KISConfig) BaseURL() string {
	if k.Env == "prod" {
		return k.BaseURLProd
	}
	return k.BaseURLPaper
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RateLimitConfig struct {
	StateFile         string  `mapstructure:"state_file"`
	MaxTokens         float64 `mapstructure:"max_tokens"`
	RefillRate        float64 `mapstructure:"refill_rate"`
	Reserve           float64 `mapstructure:"reserve"`
	AcquireTimeoutSec float64 `mapstructure:"acquire_timeout_sec"`
	// InProcess swaps the file-backed counter for a mutex-guarded singleton;
	// only safe when every brokerage caller runs in this process.
	InProcess bool `mapstructure:"in_process"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type NotifyConfig struct {
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Webhook string `mapstructure:"webhook"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
}

type WatchdogConfig struct {
	IntervalSec     int  `mapstructure:"interval_sec"`
	StaleAfterDays  int  `mapstructure:"stale_after_days"`
	MaxRefillCodes  int  `mapstructure:"max_refill_codes"`
	NotifyOnTrigger bool `mapstructure:"notify_on_trigger"`
}

type BacktestConfig struct {
	StrategyPath string `mapstructure:"strategy_path"`
	OutputDir    string `mapstructure:"output_dir"`
	ResultDB     string `mapstructure:"result_db"`
	ChartSnap    bool   `mapstructure:"chart_snapshot"`
}
