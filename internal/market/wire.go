package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// millisThreshold separates second-resolution timestamps from millisecond ones.
var millisThreshold = decimal.NewFromInt(1_000_000_000_000)

type wireTicker struct {
	Symbol        string              `json:"symbol"`
	Price         decimal.NullDecimal `json:"price"`
	ChangePercent decimal.Decimal     `json:"change_percent"`
}

type wireAlert struct {
	Symbol        string          `json:"symbol"`
	Type          AlertType       `json:"type"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timeframe     string          `json:"timeframe"`
	Message       string          `json:"message"`
	Timestamp     decimal.Decimal `json:"timestamp"`
	Severity      Severity        `json:"severity"`
}

// ParseTickers decodes a ticker_update payload. Prices may arrive as JSON numbers or strings.
// Entries without a symbol or without a positive price are dropped; the array order is preserved.
func ParseTickers(raw json.RawMessage) ([]TickerRecord, error) {
	var entries []wireTicker
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	out := make([]TickerRecord, 0, len(entries))
	for _, e := range entries {
		sym := strings.TrimSpace(e.Symbol)
		if sym == "" || !e.Price.Valid || !e.Price.Decimal.IsPositive() {
			continue
		}
		out = append(out, TickerRecord{
			Symbol:        sym,
			Price:         e.Price.Decimal.InexactFloat64(),
			ChangePercent: e.ChangePercent.InexactFloat64(),
		})
	}
	return out, nil
}

// ParseAlerts decodes a market_alerts payload. Entries with an unknown type or no symbol are dropped.
func ParseAlerts(raw json.RawMessage) ([]AlertEvent, error) {
	var entries []wireAlert
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	out := make([]AlertEvent, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" || !e.Type.Valid() {
			continue
		}
		out = append(out, AlertEvent{
			Symbol:        e.Symbol,
			Type:          e.Type,
			ChangePercent: e.ChangePercent.InexactFloat64(),
			Timeframe:     e.Timeframe,
			Message:       e.Message,
			Timestamp:     TimestampMillis(e.Timestamp),
			Severity:      NormalizeSeverity(e.Severity),
		})
	}
	return out, nil
}

// TimestampMillis converts a wire timestamp to unix milliseconds.
// Values below 1e12 are seconds (possibly fractional) and are scaled.
func TimestampMillis(ts decimal.Decimal) int64 {
	if ts.LessThan(millisThreshold) {
		return ts.Shift(3).Round(0).IntPart()
	}
	return ts.Round(0).IntPart()
}

// NormalizeSeverity maps unknown or missing severities to SeverityLow.
func NormalizeSeverity(s Severity) Severity {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return s
	default:
		return SeverityLow
	}
}
