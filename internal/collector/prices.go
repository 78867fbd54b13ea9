package collector

import (
	"context"
	"sort"
	"strings"
	"time"

	"bnfk/internal/store"

	"github.com/markcheno/go-talib"
	"github.com/tidwall/gjson"
)

// maWindow is the moving-average window the disparity signal is built on.
// Shorter histories fall back to a plain mean once at least minMAPeriods
// closes exist.
const (
	maWindow     = 25
	minMAPeriods = 5
)

// MarketAPI is the slice of the broker client the loaders consume. Tests
// substitute a canned implementation.
type MarketAPI interface {
	DailyChart(ctx context.Context, code, from, to string, adjusted bool) (gjson.Result, error)
	InvestorTradeDaily(ctx context.Context, code, from, to string) (gjson.Result, error)
	DailyShortSale(ctx context.Context, code, from, to string) (gjson.Result, error)
}

// parseDailyChart converts a daily item-chart payload into bars in ascending
// date order. Rows with no date or a zero close are skipped; the brokerage
// pads short ranges with empty objects.
func parseDailyChart(code string, rows gjson.Result) []store.DailyPrice {
	var prices []store.DailyPrice
	rows.ForEach(func(_, row gjson.Result) bool {
		date := normalizeDate(row.Get("stck_bsop_date").String())
		closePx := row.Get("stck_clpr").Float()
		if date == "" || closePx <= 0 {
			return true
		}
		prices = append(prices, store.DailyPrice{
			Code:   code,
			Date:   date,
			Open:   row.Get("stck_oprc").Float(),
			High:   row.Get("stck_hgpr").Float(),
			Low:    row.Get("stck_lwpr").Float(),
			Close:  closePx,
			Volume: row.Get("acml_vol").Int(),
			Source: "kis",
		})
		return true
	})
	sort.Slice(prices, func(i, j int) bool { return prices[i].Date < prices[j].Date })
	return prices
}

// normalizeDate accepts YYYYMMDD or YYYY-MM-DD and returns YYYY-MM-DD.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) == 8 && !strings.Contains(raw, "-") {
		return raw[:4] + "-" + raw[4:6] + "-" + raw[6:]
	}
	if len(raw) == 10 {
		return raw
	}
	return ""
}

func formatDateCompact(t time.Time) string {
	return t.Format("20060102")
}

// applyIndicators fills MA25 and disparity over bars already sorted by date.
// prior carries older closes (ascending) already in the store so incremental
// fetches do not restart the window from scratch.
func applyIndicators(prior []float64, bars []store.DailyPrice) {
	closes := make([]float64, 0, len(prior)+len(bars))
	closes = append(closes, prior...)
	for _, b := range bars {
		closes = append(closes, b.Close)
	}
	ma := rollingMean(closes, maWindow, minMAPeriods)
	for i := range bars {
		j := len(prior) + i
		bars[i].MA25 = ma[j]
		if ma[j] > 0 {
			bars[i].Disparity = bars[i].Close / ma[j] * 100
		}
	}
}

// rollingMean mirrors a rolling mean with a minimum-period fallback: full
// windows come from talib, shorter prefixes use the plain mean once minPeriods
// closes are available, and anything earlier is zero.
func rollingMean(values []float64, window, minPeriods int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	var sma []float64
	if len(values) >= window {
		sma = talib.Sma(values, window)
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		switch {
		case i >= window-1 && sma != nil:
			out[i] = sma[i]
		case i+1 >= minPeriods:
			n := i + 1
			if n > window {
				n = window
			}
			out[i] = sum / float64(n)
		}
	}
	return out
}
