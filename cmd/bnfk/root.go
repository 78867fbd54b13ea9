package main

import (
	"context"
	"os/signal"
	"syscall"

	"bnfk/internal/app"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "bnfk",
	Short:         "KRX market data collection and backtesting over the KIS open API",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "path to the settings file")
	rootCmd.AddCommand(serveCmd, dailyCmd, refillCmd, accuracyCmd, universeCmd, watchdogCmd, backtestCmd, probeCmd)
}

// signalContext is the interruptible base context for every subcommand.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withApp builds the application, runs fn, and tears down afterwards.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
