package main

import (
	"context"
	"fmt"

	"bnfk/internal/app"
	"bnfk/internal/backtest"
	"bnfk/internal/logger"

	"github.com/spf13/cobra"
)

var (
	refillStart  string
	refillCodes  []string
	accuracyDays int

	backtestFrom  string
	backtestTo    string
	backtestCodes []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the viewer API and the freshness watchdog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx, refillStart)
		})
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Collect the latest daily bars for every universe code",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return a.Daily().Run(ctx)
		})
	},
}

var refillCmd = &cobra.Command{
	Use:   "refill [codes...]",
	Short: "Backfill price history down to the start date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			codes := append([]string{}, refillCodes...)
			codes = append(codes, args...)
			return a.Refill(refillStart).Run(ctx, codes)
		})
	},
}

var accuracyCmd = &cobra.Command{
	Use:   "accuracy",
	Short: "Collect investor flow and short-sale datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return a.Accuracy(accuracyDays).Run(ctx)
		})
	},
}

var universeCmd = &cobra.Command{
	Use:   "universe <snapshot-file>",
	Short: "Replace the tracked universe from a CSV or JSON snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			added, removed, err := a.Universe().LoadSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("universe updated: +%d -%d\n", len(added), len(removed))
			return nil
		})
	},
}

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run only the freshness watchdog loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			err := a.Watchdog(refillStart).Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	},
}

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run the strategy simulation over stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runBacktest(ctx, a)
		})
	},
}

func runBacktest(ctx context.Context, a *app.App) error {
	params, err := backtest.LoadParams(a.Cfg.Backtest.StrategyPath)
	if err != nil {
		return err
	}
	result, err := backtest.NewRunner(params, a.Store).Run(ctx, backtestCodes, backtestFrom, backtestTo)
	if err != nil {
		return err
	}
	outDir := a.Cfg.Backtest.OutputDir
	if err := backtest.WriteReports(result, outDir); err != nil {
		return err
	}
	if err := backtest.SaveResult(ctx, a.Cfg.Backtest.ResultDB, params.Name, params, result); err != nil {
		return err
	}
	html, err := backtest.RenderEquityChart(result, params.Name, outDir+"/equity.html")
	if err != nil {
		return err
	}
	if a.Cfg.Backtest.ChartSnap {
		if err := backtest.SnapshotPNG(ctx, html, outDir+"/equity.png"); err != nil {
			logger.Warnf("chart snapshot failed: %v", err)
		}
	}
	summary := fmt.Sprintf("backtest %s: %d trades, win rate %.1f%%, return %.2f%%, mdd %.2f%%",
		params.Name, result.Stats.Trades, result.Stats.WinRate*100,
		result.Stats.TotalReturnPct, result.Stats.MaxDrawdownPct)
	fmt.Println(summary)
	if err := a.Notifier.SendText(summary); err != nil {
		logger.Warnf("backtest notify failed: %v", err)
	}
	return nil
}

var probeCmd = &cobra.Command{
	Use:   "probe <code>",
	Short: "Fetch one quotation snapshot to verify connectivity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			out, err := a.Client.InquirePrice(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(out.Raw)
			return nil
		})
	},
}

func init() {
	refillCmd.Flags().StringVar(&refillStart, "start", "2020-01-02", "backfill floor date (YYYY-MM-DD)")
	refillCmd.Flags().StringSliceVar(&refillCodes, "codes", nil, "restrict to these codes")
	serveCmd.Flags().StringVar(&refillStart, "refill-start", "2020-01-02", "watchdog backfill floor date")
	watchdogCmd.Flags().StringVar(&refillStart, "refill-start", "2020-01-02", "watchdog backfill floor date")
	accuracyCmd.Flags().IntVar(&accuracyDays, "days", 30, "lookback window in days")
	backtestCmd.Flags().StringVar(&backtestFrom, "from", "", "simulation start date (YYYY-MM-DD)")
	backtestCmd.Flags().StringVar(&backtestTo, "to", "", "simulation end date (YYYY-MM-DD)")
	backtestCmd.Flags().StringSliceVar(&backtestCodes, "codes", nil, "restrict to these codes")
}
