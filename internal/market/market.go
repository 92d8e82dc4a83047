// Package market standardizes the payloads shared between the live feed, the projections and the API.
package market

import "fmt"

// Candle is one OHLCV bar. Timestamp is the bar open time in unix milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// TickerRecord is the latest price snapshot for one symbol.
type TickerRecord struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
}

// AlertType classifies a market alert.
type AlertType string

const (
	AlertPump        AlertType = "pump"
	AlertDump        AlertType = "dump"
	AlertVolumeSpike AlertType = "volume_spike"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertPump, AlertDump, AlertVolumeSpike:
		return true
	}
	return false
}

// Severity grades an alert. The zero value is treated as SeverityLow.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AlertEvent is an immutable market alert produced by the feed.
type AlertEvent struct {
	Symbol        string    `json:"symbol"`
	Type          AlertType `json:"type"`
	ChangePercent float64   `json:"change_percent"`
	Timeframe     string    `json:"timeframe"`
	Message       string    `json:"message"`
	Timestamp     int64     `json:"timestamp"` // unix milliseconds
	Severity      Severity  `json:"severity"`
}

// AlertKey is the identity used to deduplicate alerts.
type AlertKey struct {
	Symbol    string
	Timestamp int64
	Type      AlertType
}

// Key returns the (symbol, timestamp, type) identity of the alert.
func (a AlertEvent) Key() AlertKey {
	return AlertKey{Symbol: a.Symbol, Timestamp: a.Timestamp, Type: a.Type}
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Symbol, k.Timestamp, k.Type)
}
