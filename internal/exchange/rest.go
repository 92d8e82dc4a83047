package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signalboard-go/internal/market"
)

const (
	defaultKlinesBaseURL = "https://api.binance.com"
	defaultKlineLimit    = 500
	maxKlineLimit        = 1000
)

// RESTClient loads candle history from a Binance-compatible klines endpoint and full ticker
// snapshots from the prediction backend.
type RESTClient struct {
	klinesBaseURL string
	apiBaseURL    string
	client        *http.Client
	log           zerolog.Logger
}

// NewRESTClient builds a client; an empty klines base URL falls back to Binance spot.
func NewRESTClient(klinesBaseURL, apiBaseURL string, log zerolog.Logger) *RESTClient {
	if klinesBaseURL == "" {
		klinesBaseURL = defaultKlinesBaseURL
	}
	return &RESTClient{
		klinesBaseURL: strings.TrimSuffix(klinesBaseURL, "/"),
		apiBaseURL:    strings.TrimSuffix(apiBaseURL, "/"),
		client:        &http.Client{Timeout: 10 * time.Second},
		log:           log,
	}
}

// Klines fetches up to limit candles for symbol at interval, oldest first.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("klines require symbol and interval")
	}
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]decimal.Decimal
	if err := c.getJSON(ctx, c.klinesBaseURL+"/api/v3/klines?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row %d has %d fields", i, len(row))
		}
		bar := market.Candle{
			Timestamp: row[0].IntPart(),
			Open:      row[1].InexactFloat64(),
			High:      row[2].InexactFloat64(),
			Low:       row[3].InexactFloat64(),
			Close:     row[4].InexactFloat64(),
			Volume:    row[5].InexactFloat64(),
		}
		if n := len(out); n > 0 && bar.Timestamp <= out[n-1].Timestamp {
			c.log.Warn().Str("symbol", symbol).Int64("ts", bar.Timestamp).Msg("dropping out-of-order kline")
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// Tickers fetches a full ticker snapshot for symbols from the backend.
func (c *RESTClient) Tickers(ctx context.Context, symbols []string) ([]market.TickerRecord, error) {
	if c.apiBaseURL == "" {
		return nil, fmt.Errorf("tickers require an api base url")
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	var raw json.RawMessage
	if err := c.getJSON(ctx, c.apiBaseURL+"/api/market/tickers?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	return market.ParseTickers(raw)
}

func (c *RESTClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
