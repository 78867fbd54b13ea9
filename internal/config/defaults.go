package config

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	k := &c.KIS
	if k.Env == "" {
		k.Env = "paper"
	}
	if k.BaseURLProd == "" {
		k.BaseURLProd = "https://openapi.koreainvestment.com:9443"
	}
	if k.BaseURLPaper == "" {
		k.BaseURLPaper = "https://openapivts.koreainvestment.com:29443"
	}
	if k.WSURLProd == "" {
		k.WSURLProd = "ws://ops.koreainvestment.com:21000"
	}
	if k.WSURLPaper == "" {
		k.WSURLPaper = "ws://ops.koreainvestment.com:31000"
	}
	if k.Custtype == "" {
		k.Custtype = "P"
	}
	if k.AccountProduct == "" {
		k.AccountProduct = "01"
	}
	if k.KeyRecordsPath == "" {
		k.KeyRecordsPath = "data/kis_keys.env"
	}
	if k.KeyTogglePath == "" {
		k.KeyTogglePath = "data/kis_key_toggles.json"
	}
	if k.TokenCachePath == "" {
		k.TokenCachePath = ".cache/kis_token.json"
	}
	if k.HashkeyCacheTTLSec <= 0 {
		k.HashkeyCacheTTLSec = 30
	}
	if k.RateLimitSleepSec <= 0 {
		k.RateLimitSleepSec = 0.5
	}
	if k.TimeoutConnectSec <= 0 {
		k.TimeoutConnectSec = 5
	}
	if k.TimeoutReadSec <= 0 {
		k.TimeoutReadSec = 20
	}
	if k.MaxRetries == 0 {
		k.MaxRetries = 8
	}
	if k.BackoffBaseSec <= 0 {
		k.BackoffBaseSec = 2
	}
	if k.BackoffCapSec <= 0 {
		k.BackoffCapSec = 60
	}
	if k.BackoffJitterSec < 0 {
		k.BackoffJitterSec = 0
	} else if k.BackoffJitterSec == 0 {
		k.BackoffJitterSec = 0.5
	}
	if k.ConsecutiveErrorCooldownAfter == 0 {
		k.ConsecutiveErrorCooldownAfter = 10
	}
	if k.ConsecutiveErrorCooldownSec <= 0 {
		k.ConsecutiveErrorCooldownSec = 180
	}
	if k.AuthForbiddenCooldownSec == 0 {
		k.AuthForbiddenCooldownSec = 600
	}
	if k.SessionResetEvery == 0 {
		k.SessionResetEvery = 3
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/market_data.db"
	}

	r := &c.RateLimit
	if r.StateFile == "" {
		r.StateFile = ".cache/rate_limit.state"
	}
	if r.AcquireTimeoutSec <= 0 {
		r.AcquireTimeoutSec = 30
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8000"
	}

	w := &c.Watchdog
	if w.IntervalSec <= 0 {
		w.IntervalSec = 600
	}
	if w.StaleAfterDays <= 0 {
		w.StaleAfterDays = 2
	}
	if w.MaxRefillCodes <= 0 {
		w.MaxRefillCodes = 200
	}

	b := &c.Backtest
	if b.StrategyPath == "" {
		b.StrategyPath = "configs/strategy.yaml"
	}
	if b.OutputDir == "" {
		b.OutputDir = "data"
	}
	if b.ResultDB == "" {
		b.ResultDB = "data/backtest_results.db"
	}
}
