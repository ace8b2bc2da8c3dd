package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// DefaultYahooURL is the public chart endpoint; the symbol is appended
const DefaultYahooURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// YahooFeed reads delayed quotes from the Yahoo Finance chart API
type YahooFeed struct {
	baseURL string
	client  *http.Client
}

// NewYahooFeed creates a feed whose requests never outlive timeout
func NewYahooFeed(baseURL string, timeout time.Duration) *YahooFeed {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &YahooFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				PreviousClose      *float64 `json:"previousClose"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchPrice returns the regular market price, falling back to the previous close
func (y *YahooFeed) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := y.baseURL + url.PathEscape(strings.ToUpper(symbol)) + "?interval=1d&range=1d"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("User-Agent", "klear-exchange/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("yahoo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("%w: yahoo returned %d for %s", ErrUnavailable, resp.StatusCode, symbol)
	}

	var body chartResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode yahoo response: %w", err)
	}
	if body.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no result for %s", ErrUnavailable, symbol)
	}

	meta := body.Chart.Result[0].Meta
	for _, candidate := range []*float64{meta.RegularMarketPrice, meta.PreviousClose, meta.ChartPreviousClose} {
		if candidate != nil && *candidate > 0 {
			return decimal.NewFromFloat(*candidate).Round(types.PriceDecimals), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no price in yahoo meta for %s", ErrUnavailable, symbol)
}
