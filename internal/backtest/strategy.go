package backtest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is the strategy parameter document, loaded from strategy.yaml.
// Disparity values are percentages of the 25-day average (100 = at the MA).
type Params struct {
	Name string `yaml:"name"`

	// BuyDisparity maps a market (KOSPI, KOSDAQ) to its entry threshold; a
	// signal fires when disparity drops to or below it.
	BuyDisparity        map[string]float64 `yaml:"buy_disparity"`
	DefaultBuyDisparity float64            `yaml:"default_buy_disparity"`

	// TrendFilter requires the MA itself to be rising over the lookback.
	TrendFilter       bool `yaml:"trend_filter"`
	TrendLookbackDays int  `yaml:"trend_lookback_days"`

	// MinVolume is the liquidity cut on the signal day.
	MinVolume int64 `yaml:"min_volume"`

	TakeProfitDisparity float64 `yaml:"take_profit_disparity"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	MaxHoldingDays      int     `yaml:"max_holding_days"`

	InitialCash  float64 `yaml:"initial_cash"`
	MaxPositions int     `yaml:"max_positions"`
	FeePct       float64 `yaml:"fee_pct"`
}

func DefaultParams() Params {
	return Params{
		Name: "disparity-reversal",
		BuyDisparity: map[string]float64{
			"KOSPI":  92,
			"KOSDAQ": 88,
		},
		DefaultBuyDisparity: 90,
		TrendFilter:         false,
		TrendLookbackDays:   5,
		MinVolume:           10000,
		TakeProfitDisparity: 102,
		StopLossPct:         10,
		MaxHoldingDays:      20,
		InitialCash:         10_000_000,
		MaxPositions:        5,
		FeePct:              0.2,
	}
}

// LoadParams reads strategy.yaml over the defaults. A missing file means
// defaults; a malformed file is an error.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return params, fmt.Errorf("backtest: read strategy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("backtest: parse strategy file: %w", err)
	}
	if err := params.validate(); err != nil {
		return params, err
	}
	return params, nil
}

func (p Params) validate() error {
	if p.InitialCash <= 0 {
		return fmt.Errorf("backtest: initial_cash must be positive")
	}
	if p.MaxPositions < 1 {
		return fmt.Errorf("backtest: max_positions must be at least 1")
	}
	if p.MaxHoldingDays < 1 {
		return fmt.Errorf("backtest: max_holding_days must be at least 1")
	}
	if p.StopLossPct <= 0 || p.StopLossPct >= 100 {
		return fmt.Errorf("backtest: stop_loss_pct must be in (0, 100)")
	}
	return nil
}

// BuyThreshold resolves the entry threshold for a market.
func (p Params) BuyThreshold(market string) float64 {
	if v, ok := p.BuyDisparity[market]; ok {
		return v
	}
	return p.DefaultBuyDisparity
}
