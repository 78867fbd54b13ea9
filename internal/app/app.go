package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"bnfk/internal/broker/kis"
	"bnfk/internal/collector"
	"bnfk/internal/config"
	"bnfk/internal/logger"
	"bnfk/internal/notify"
	"bnfk/internal/ratelimit"
	"bnfk/internal/store"
	transporthttp "bnfk/internal/transport/http"
	"bnfk/internal/watchdog"

	"golang.org/x/sync/errgroup"
)

// App wires the shared components every subcommand needs: settings, store,
// limiter, broker client, notifier.
type App struct {
	Cfg      *config.Config
	Store    *store.Store
	Limiter  *ratelimit.Limiter
	Pool     *kis.Pool
	Client   *kis.Client
	Notifier notify.TextNotifier

	logFile     *os.File
	stopWatcher func() error
}

// New builds the application from a settings file path.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{Cfg: cfg}
	if cfg.App.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.App.LogPath), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.App.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		a.logFile = f
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	creds, err := config.ResolveCredentials(config.FileCredentials{
		RecordsPath:    cfg.KIS.KeyRecordsPath,
		TogglePath:     cfg.KIS.KeyTogglePath,
		AccountProduct: cfg.KIS.AccountProduct,
	}, cfg.KIS)
	if err != nil {
		return nil, err
	}
	logger.Infof("using %d KIS credential(s), env=%s", len(creds), cfg.KIS.Env)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.Store = st

	limiter, err := buildLimiter(cfg, len(creds))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Limiter = limiter

	a.Pool = kis.NewPool(creds, cfg.KIS)
	a.Client = kis.NewClient(a.Pool, limiter, cfg.KIS, cfg.RateLimit.StateFile)
	a.Notifier = notify.FromConfig(cfg.Notify, cfg.SiteURL)

	if cfgPath != "" {
		stop, werr := config.Watch(cfgPath, func(updated *config.Config) {
			logger.SetLevel(updated.App.LogLevel)
			a.Cfg = updated
		})
		if werr != nil {
			logger.Warnf("config watch unavailable: %v", werr)
		} else {
			a.stopWatcher = stop
		}
	}
	return a, nil
}

func buildLimiter(cfg *config.Config, numSessions int) (*ratelimit.Limiter, error) {
	rcfg := ratelimit.Config{
		MaxTokens:      cfg.RateLimit.MaxTokens,
		RefillRate:     cfg.RateLimit.RefillRate,
		Reserve:        cfg.RateLimit.Reserve,
		AcquireTimeout: time.Duration(cfg.RateLimit.AcquireTimeoutSec * float64(time.Second)),
	}
	if rcfg.MaxTokens <= 0 || rcfg.RefillRate <= 0 {
		perKey := time.Duration(cfg.KIS.RateLimitSleepSec * float64(time.Second))
		sized := ratelimit.Sizing(numSessions, perKey)
		sized.AcquireTimeout = rcfg.AcquireTimeout
		if rcfg.Reserve > 0 {
			sized.Reserve = rcfg.Reserve
		}
		rcfg = sized
	}

	var counter ratelimit.SharedCounter
	if cfg.RateLimit.InProcess {
		counter = ratelimit.NewMemState(rcfg.MaxTokens)
	} else {
		fs, err := ratelimit.NewFileState(cfg.RateLimit.StateFile, rcfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		counter = fs
	}
	return ratelimit.New(rcfg, counter), nil
}

// Daily builds the daily loader with the configured cooldown knobs.
func (a *App) Daily() *collector.Daily {
	return collector.NewDaily(a.Client, a.Store,
		time.Duration(a.Cfg.KIS.AuthForbiddenCooldownSec*float64(time.Second)),
		time.Duration(a.Cfg.KIS.ConsecutiveErrorCooldownSec*float64(time.Second)))
}

// Refill builds the backfill loader down to startDate (YYYY-MM-DD).
func (a *App) Refill(startDate string) *collector.Refill {
	return collector.NewRefill(a.Client, a.Store, startDate)
}

func (a *App) Accuracy(lookbackDays int) *collector.Accuracy {
	return collector.NewAccuracy(a.Client, a.Store, lookbackDays)
}

func (a *App) Universe() *collector.Universe {
	return collector.NewUniverse(a.Store)
}

func (a *App) Watchdog(startDate string) *watchdog.Watchdog {
	wd := a.Cfg.Watchdog
	lockPath := filepath.Join(filepath.Dir(a.Cfg.RateLimit.StateFile), "watchdog.lock")
	notifier := a.Notifier
	if !wd.NotifyOnTrigger {
		notifier = notify.Noop{}
	}
	return watchdog.New(a.Store, a.Refill(startDate), notifier,
		time.Duration(wd.IntervalSec)*time.Second, wd.StaleAfterDays, wd.MaxRefillCodes, lockPath)
}

// Serve runs the viewer and the watchdog together until the context ends.
func (a *App) Serve(ctx context.Context, watchdogStartDate string) error {
	g, ctx := errgroup.WithContext(ctx)
	server := transporthttp.NewServer(a.Store, a.Cfg.HTTP.Addr)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		err := a.Watchdog(watchdogStartDate).Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Close releases the store, the config watcher, and the log file.
func (a *App) Close() {
	if a.stopWatcher != nil {
		_ = a.stopWatcher()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
