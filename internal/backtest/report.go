package backtest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// WriteReports writes trades.csv and equity.csv into dir.
func WriteReports(result *Result, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeTradesCSV(result, filepath.Join(dir, "trades.csv")); err != nil {
		return err
	}
	return writeEquityCSV(result, filepath.Join(dir, "equity.csv"))
}

func writeTradesCSV(result *Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"code", "entry_date", "exit_date", "entry_price", "exit_price", "quantity", "pnl", "return_pct", "reason"}); err != nil {
		return err
	}
	for _, tr := range result.Trades {
		row := []string{
			tr.Code,
			tr.EntryDate,
			tr.ExitDate,
			tr.EntryPrice.String(),
			tr.ExitPrice.String(),
			strconv.FormatInt(tr.Quantity, 10),
			tr.PnL.StringFixed(2),
			strconv.FormatFloat(tr.ReturnPct, 'f', 4, 64),
			tr.Reason,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeEquityCSV(result *Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "equity"}); err != nil {
		return err
	}
	for _, pt := range result.Equity {
		if err := w.Write([]string{pt.Date, pt.Equity.StringFixed(2)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// SaveResult appends the run summary to the result database so successive
// parameter sweeps can be compared with plain SQL.
func SaveResult(ctx context.Context, dbPath, name string, params Params, result *Result) error {
	if dbPath == "" {
		return nil
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	const schema = `CREATE TABLE IF NOT EXISTS backtest_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		trades INTEGER NOT NULL,
		wins INTEGER NOT NULL,
		win_rate REAL NOT NULL,
		total_return_pct REAL NOT NULL,
		max_drawdown_pct REAL NOT NULL,
		final_equity TEXT NOT NULL,
		stop_loss_pct REAL NOT NULL,
		take_profit_disparity REAL NOT NULL,
		max_holding_days INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("backtest: init result db: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO backtest_runs
		 (name, created_at, trades, wins, win_rate, total_return_pct, max_drawdown_pct, final_equity,
		  stop_loss_pct, take_profit_disparity, max_holding_days)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name,
		time.Now().UTC().Format(time.RFC3339),
		result.Stats.Trades,
		result.Stats.Wins,
		result.Stats.WinRate,
		result.Stats.TotalReturnPct,
		result.Stats.MaxDrawdownPct,
		result.Stats.FinalEquity.StringFixed(2),
		params.StopLossPct,
		params.TakeProfitDisparity,
		params.MaxHoldingDays,
	)
	return err
}
