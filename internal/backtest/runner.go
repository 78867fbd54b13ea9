package backtest

import (
	"context"
	"fmt"
	"sort"

	"bnfk/internal/logger"
	"bnfk/internal/store"

	"github.com/shopspring/decimal"
)

// Trade is one completed round trip.
type Trade struct {
	Code       string
	EntryDate  string
	ExitDate   string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   int64
	PnL        decimal.Decimal
	ReturnPct  float64
	Reason     string // take_profit, stop_loss, max_holding, end
}

// EquityPoint is the portfolio value at one close.
type EquityPoint struct {
	Date   string
	Equity decimal.Decimal
}

type Stats struct {
	Trades         int
	Wins           int
	WinRate        float64
	TotalReturnPct float64
	MaxDrawdownPct float64
	FinalEquity    decimal.Decimal
}

type Result struct {
	Trades []Trade
	Equity []EquityPoint
	Stats  Stats
}

// Runner simulates the disparity-reversal strategy over stored bars. Signals
// are read at each close and filled at the following open; there is no
// same-bar execution.
type Runner struct {
	Params Params
	Store  *store.Store
}

func NewRunner(params Params, st *store.Store) *Runner {
	return &Runner{Params: params, Store: st}
}

type position struct {
	entryDate  string
	entryPrice decimal.Decimal
	quantity   int64
	daysHeld   int
	exitReason string // set at a close, filled at the next open
}

// Run simulates over codes between from and to (YYYY-MM-DD, inclusive).
// Empty codes means the whole universe.
func (r *Runner) Run(ctx context.Context, codes []string, from, to string) (*Result, error) {
	if len(codes) == 0 {
		var err error
		codes, err = r.Store.ListUniverseCodes(ctx)
		if err != nil {
			return nil, err
		}
	}
	markets, err := r.loadMarkets(ctx)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]store.DailyPrice, len(codes))
	barIndex := make(map[string]map[string]int, len(codes))
	dateSet := make(map[string]struct{})
	for _, code := range codes {
		bars, err := r.Store.LoadPrices(ctx, code, from, to)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			continue
		}
		series[code] = bars
		idx := make(map[string]int, len(bars))
		for i, b := range bars {
			idx[b.Date] = i
			dateSet[b.Date] = struct{}{}
		}
		barIndex[code] = idx
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("backtest: no price history for the requested range")
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	cash := decimal.NewFromFloat(r.Params.InitialCash)
	initial := cash
	feeRate := decimal.NewFromFloat(r.Params.FeePct).Div(decimal.NewFromInt(100))
	positions := make(map[string]*position)
	pendingEntries := make(map[string]struct{})
	result := &Result{}

	for _, date := range dates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Fill queued exits at this open.
		for code, pos := range positions {
			bar, ok := r.barOn(series, barIndex, code, date)
			if !ok {
				continue
			}
			if pos.exitReason != "" {
				cash = cash.Add(r.closePosition(result, feeRate, code, pos, bar.Date, bar.Open, pos.exitReason))
				delete(positions, code)
				continue
			}
			pos.daysHeld++
		}

		// Fill queued entries at this open.
		for code := range pendingEntries {
			delete(pendingEntries, code)
			if _, held := positions[code]; held {
				continue
			}
			if len(positions) >= r.Params.MaxPositions {
				continue
			}
			bar, ok := r.barOn(series, barIndex, code, date)
			if !ok || bar.Open <= 0 {
				continue
			}
			slots := int64(r.Params.MaxPositions - len(positions))
			alloc := cash.Div(decimal.NewFromInt(slots))
			price := decimal.NewFromFloat(bar.Open)
			qty := alloc.Div(price).IntPart()
			if qty < 1 {
				continue
			}
			cost := price.Mul(decimal.NewFromInt(qty))
			fee := cost.Mul(feeRate)
			if cost.Add(fee).GreaterThan(cash) {
				qty--
				if qty < 1 {
					continue
				}
				cost = price.Mul(decimal.NewFromInt(qty))
				fee = cost.Mul(feeRate)
			}
			cash = cash.Sub(cost).Sub(fee)
			positions[code] = &position{entryDate: bar.Date, entryPrice: price, quantity: qty}
		}

		// Evaluate signals at this close for the next open.
		for code, pos := range positions {
			bar, ok := r.barOn(series, barIndex, code, date)
			if !ok || pos.exitReason != "" {
				continue
			}
			switch {
			case r.Params.TakeProfitDisparity > 0 && bar.Disparity >= r.Params.TakeProfitDisparity:
				pos.exitReason = "take_profit"
			case r.stopHit(pos, bar.Close):
				pos.exitReason = "stop_loss"
			case pos.daysHeld >= r.Params.MaxHoldingDays:
				pos.exitReason = "max_holding"
			}
		}
		for code := range series {
			if _, held := positions[code]; held {
				continue
			}
			bar, ok := r.barOn(series, barIndex, code, date)
			if !ok {
				continue
			}
			if r.entrySignal(series[code], barIndex[code][date], bar, markets[code]) {
				pendingEntries[code] = struct{}{}
			}
		}

		result.Equity = append(result.Equity, EquityPoint{
			Date:   date,
			Equity: r.markToMarket(cash, positions, series, barIndex, date),
		})
	}

	// Liquidate whatever is still open at the final close.
	for code, pos := range positions {
		bars := series[code]
		finalBar := bars[len(bars)-1]
		cash = cash.Add(r.closePosition(result, feeRate, code, pos, finalBar.Date, finalBar.Close, "end"))
	}

	result.Stats = computeStats(initial, result)
	logger.Infof("backtest: %d trades, win rate %.1f%%, return %.2f%%, mdd %.2f%%",
		result.Stats.Trades, result.Stats.WinRate*100, result.Stats.TotalReturnPct, result.Stats.MaxDrawdownPct)
	return result, nil
}

func (r *Runner) loadMarkets(ctx context.Context) (map[string]string, error) {
	members, err := r.Store.ListUniverse(ctx)
	if err != nil {
		return nil, err
	}
	markets := make(map[string]string, len(members))
	for _, m := range members {
		markets[m.Code] = m.Market
	}
	return markets, nil
}

func (r *Runner) barOn(series map[string][]store.DailyPrice, index map[string]map[string]int, code, date string) (store.DailyPrice, bool) {
	i, ok := index[code][date]
	if !ok {
		return store.DailyPrice{}, false
	}
	return series[code][i], true
}

func (r *Runner) entrySignal(bars []store.DailyPrice, i int, bar store.DailyPrice, market string) bool {
	if bar.Disparity <= 0 || bar.MA25 <= 0 {
		return false
	}
	if bar.Disparity > r.Params.BuyThreshold(market) {
		return false
	}
	if bar.Volume < r.Params.MinVolume {
		return false
	}
	if r.Params.TrendFilter {
		lookback := r.Params.TrendLookbackDays
		if lookback < 1 {
			lookback = 5
		}
		if i < lookback || bars[i-lookback].MA25 <= 0 {
			return false
		}
		if bar.MA25 <= bars[i-lookback].MA25 {
			return false
		}
	}
	return true
}

func (r *Runner) stopHit(pos *position, closePx float64) bool {
	stop := pos.entryPrice.Mul(decimal.NewFromFloat(1 - r.Params.StopLossPct/100))
	return decimal.NewFromFloat(closePx).LessThanOrEqual(stop)
}

// closePosition records the trade and returns the net sale proceeds.
func (r *Runner) closePosition(result *Result, feeRate decimal.Decimal, code string, pos *position, date string, price float64, reason string) decimal.Decimal {
	exitPrice := decimal.NewFromFloat(price)
	proceeds := exitPrice.Mul(decimal.NewFromInt(pos.quantity))
	fee := proceeds.Mul(feeRate)
	net := proceeds.Sub(fee)
	costBasis := pos.entryPrice.Mul(decimal.NewFromInt(pos.quantity))
	pnl := net.Sub(costBasis)
	ret := 0.0
	if costBasis.IsPositive() {
		ret, _ = pnl.Div(costBasis).Mul(decimal.NewFromInt(100)).Float64()
	}
	result.Trades = append(result.Trades, Trade{
		Code:       code,
		EntryDate:  pos.entryDate,
		ExitDate:   date,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.quantity,
		PnL:        pnl,
		ReturnPct:  ret,
		Reason:     reason,
	})
	return net
}

func (r *Runner) markToMarket(cash decimal.Decimal, positions map[string]*position, series map[string][]store.DailyPrice, index map[string]map[string]int, date string) decimal.Decimal {
	equity := cash
	for code, pos := range positions {
		px := pos.entryPrice
		if bar, ok := r.barOn(series, index, code, date); ok {
			px = decimal.NewFromFloat(bar.Close)
		}
		equity = equity.Add(px.Mul(decimal.NewFromInt(pos.quantity)))
	}
	return equity
}

func computeStats(initial decimal.Decimal, result *Result) Stats {
	stats := Stats{Trades: len(result.Trades)}
	for _, tr := range result.Trades {
		if tr.PnL.IsPositive() {
			stats.Wins++
		}
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	final := initial
	if n := len(result.Equity); n > 0 {
		final = result.Equity[n-1].Equity
	}
	stats.FinalEquity = final
	if initial.IsPositive() {
		ret, _ := final.Sub(initial).Div(initial).Mul(decimal.NewFromInt(100)).Float64()
		stats.TotalReturnPct = ret
	}

	peak := decimal.Zero
	maxDD := 0.0
	for _, pt := range result.Equity {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
		}
		if peak.IsPositive() {
			dd, _ := peak.Sub(pt.Equity).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	stats.MaxDrawdownPct = maxDD
	return stats
}
