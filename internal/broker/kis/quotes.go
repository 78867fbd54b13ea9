package kis

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"bnfk/internal/ratelimit"

	"github.com/tidwall/gjson"
)

// TR IDs for the quotation endpoints this system uses. Paper and production
// share the same IDs for quotations.
const (
	trInquirePrice      = "FHKST01010100"
	trMultiPrice        = "FHKST11300006"
	trDailyPrice        = "FHKST01010400"
	trDailyChart        = "FHKST03010100"
	trOverseasDaily     = "HHDFS76240000"
	trOverseasInfo      = "CTPF1702R"
	trInvestorTrade     = "FHPTJ04160001"
	trProgramTrade      = "FHPPG04650201"
	trDailyShortSale    = "FHPST04830000"
	trDailyCreditBal    = "FHPST04760000"
	trDailyLoanTrans    = "HHPST074500C0"
	maxMultiPriceCodes  = 30
	marketDivisionStock = "J"
)

// InquirePrice fetches the current quotation snapshot for one KRX code.
func (c *Client) InquirePrice(ctx context.Context, code string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	resp, err := c.Request(ctx, Request{
		TRID:     trInquirePrice,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-price",
		Params:   params,
		Priority: ratelimit.High,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// MultiPrice fetches snapshots for up to 30 codes in one call. Longer code
// lists are the caller's problem; the endpoint hard-caps at 30.
func (c *Client) MultiPrice(ctx context.Context, codes []string) (gjson.Result, error) {
	if len(codes) == 0 {
		return gjson.Result{}, fmt.Errorf("kis: multi-price requires at least one code")
	}
	if len(codes) > maxMultiPriceCodes {
		return gjson.Result{}, fmt.Errorf("kis: multi-price accepts at most %d codes, got %d", maxMultiPriceCodes, len(codes))
	}
	params := url.Values{}
	for i, code := range codes {
		params.Set(fmt.Sprintf("FID_COND_MRKT_DIV_CODE_%d", i+1), marketDivisionStock)
		params.Set(fmt.Sprintf("FID_INPUT_ISCD_%d", i+1), code)
	}
	resp, err := c.Request(ctx, Request{
		TRID:     trMultiPrice,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/intstock-multprice",
		Params:   params,
		Priority: ratelimit.High,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// DailyPrices fetches the recent daily OHLCV rows for one code. period is
// "D", "W", or "M"; adjusted selects the adjusted-price series.
func (c *Client) DailyPrices(ctx context.Context, code, period string, adjusted bool) (gjson.Result, error) {
	adj := "1"
	if adjusted {
		adj = "0"
	}
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_PERIOD_DIV_CODE", strings.ToUpper(period))
	params.Set("FID_ORG_ADJ_PRC", adj)
	resp, err := c.Request(ctx, Request{
		TRID:     trDailyPrice,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-daily-price",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// DailyChart fetches the daily item chart between two YYYYMMDD dates, which
// reaches further back than DailyPrices' rolling window.
func (c *Client) DailyChart(ctx context.Context, code, from, to string, adjusted bool) (gjson.Result, error) {
	adj := "1"
	if adjusted {
		adj = "0"
	}
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_INPUT_DATE_1", from)
	params.Set("FID_INPUT_DATE_2", to)
	params.Set("FID_PERIOD_DIV_CODE", "D")
	params.Set("FID_ORG_ADJ_PRC", adj)
	resp, err := c.Request(ctx, Request{
		TRID:     trDailyChart,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output2"), nil
}

// OverseasDailyPrices fetches daily bars for an overseas listing. exchange is
// the KIS exchange code (NAS, NYS, HKS, ...).
func (c *Client) OverseasDailyPrices(ctx context.Context, exchange, symbol, baseDate string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("AUTH", "")
	params.Set("EXCD", exchange)
	params.Set("SYMB", symbol)
	params.Set("GUBN", "0")
	params.Set("BYMD", baseDate)
	params.Set("MODP", "1")
	resp, err := c.Request(ctx, Request{
		TRID:     trOverseasDaily,
		URL:      c.baseURL + "/uapi/overseas-price/v1/quotations/dailyprice",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output2"), nil
}

// OverseasSearchInfo fetches listing metadata for an overseas product.
func (c *Client) OverseasSearchInfo(ctx context.Context, productTypeCode, productNumber string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("PRDT_TYPE_CD", productTypeCode)
	params.Set("PDNO", productNumber)
	resp, err := c.Request(ctx, Request{
		TRID:     trOverseasInfo,
		URL:      c.baseURL + "/uapi/overseas-price/v1/quotations/search-info",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// InvestorTradeDaily fetches daily net purchase rows by investor category for
// one code between two YYYYMMDD dates.
func (c *Client) InvestorTradeDaily(ctx context.Context, code, from, to string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_INPUT_DATE_1", from)
	params.Set("FID_INPUT_DATE_2", to)
	params.Set("FID_ORG_ADJ_PRC", "1")
	params.Set("FID_ETC_CLS_CODE", "")
	resp, err := c.Request(ctx, Request{
		TRID:     trInvestorTrade,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/investor-trade-by-stock-daily",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// ProgramTradeDaily fetches daily program trading totals for one code.
func (c *Client) ProgramTradeDaily(ctx context.Context, code string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	resp, err := c.Request(ctx, Request{
		TRID:     trProgramTrade,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/program-trade-by-stock-daily",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// DailyShortSale fetches daily short-selling volume rows for one code.
func (c *Client) DailyShortSale(ctx context.Context, code, from, to string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_INPUT_DATE_1", from)
	params.Set("FID_INPUT_DATE_2", to)
	resp, err := c.Request(ctx, Request{
		TRID:     trDailyShortSale,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/daily-short-sale",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output2"), nil
}

// DailyCreditBalance fetches daily margin-loan balance rows for one code.
func (c *Client) DailyCreditBalance(ctx context.Context, code, from string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", marketDivisionStock)
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_INPUT_DATE_1", from)
	resp, err := c.Request(ctx, Request{
		TRID:     trDailyCreditBal,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/daily-credit-balance",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output"), nil
}

// DailyLoanTrans fetches daily securities-lending rows for one code.
func (c *Client) DailyLoanTrans(ctx context.Context, code, from, to string) (gjson.Result, error) {
	params := url.Values{}
	params.Set("MRKT_DIV_CLS_CODE", "1")
	params.Set("MKSC_SHRN_ISCD", code)
	params.Set("START_DATE", from)
	params.Set("END_DATE", to)
	params.Set("CTS", "")
	resp, err := c.Request(ctx, Request{
		TRID:     trDailyLoanTrans,
		URL:      c.baseURL + "/uapi/domestic-stock/v1/quotations/daily-loan-trans",
		Params:   params,
		Priority: ratelimit.Low,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JSON().Get("output1"), nil
}
