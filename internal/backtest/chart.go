package backtest

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	chartWidthPx  = 1200
	chartHeightPx = 560
)

// RenderEquityChart writes the equity curve as a standalone HTML chart and
// returns the rendered bytes for the optional PNG snapshot.
func RenderEquityChart(result *Result, title, htmlPath string) ([]byte, error) {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  "1200px",
			Height: "560px",
		}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)

	dates := make([]string, 0, len(result.Equity))
	values := make([]opts.LineData, 0, len(result.Equity))
	for _, pt := range result.Equity {
		dates = append(dates, pt.Date)
		v, _ := pt.Equity.Float64()
		values = append(values, opts.LineData{Value: v})
	}
	line.SetXAxis(dates).
		AddSeries("equity", values).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return nil, err
	}
	if htmlPath != "" {
		if err := os.WriteFile(htmlPath, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SnapshotPNG screenshots rendered chart HTML through headless Chrome. Callers
// treat failure as non-fatal; the HTML artifact still exists.
func SnapshotPNG(ctx context.Context, html []byte, pngPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()
	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(chartWidthPx), int64(chartHeightPx)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 90),
	}
	if err := chromedp.Run(timeoutCtx, tasks); err != nil {
		return err
	}
	return os.WriteFile(pngPath, screenshot, 0o644)
}
