package exchange

import (
	"encoding/json"
	"errors"
	"fmt"

	"signalboard-go/internal/market"
)

// Frame types understood on the live feed.
const (
	FrameTickerUpdate = "ticker_update"
	FrameMarketAlerts = "market_alerts"
)

// Event is a decoded live-feed frame. Concrete types: TickerUpdate, MarketAlerts, Unknown.
type Event interface {
	FrameType() string
}

// TickerUpdate carries a ticker batch in arrival order.
type TickerUpdate struct {
	Tickers []market.TickerRecord
}

// MarketAlerts carries an alert batch in arrival order.
type MarketAlerts struct {
	Alerts []market.AlertEvent
}

// Unknown is any well-formed frame with an unrecognised type tag. Consumers ignore it.
type Unknown struct {
	Type string
}

func (TickerUpdate) FrameType() string { return FrameTickerUpdate }
func (MarketAlerts) FrameType() string { return FrameMarketAlerts }
func (u Unknown) FrameType() string    { return u.Type }

var errMissingType = errors.New("frame missing type")

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeFrame parses one websocket message into an Event.
func DecodeFrame(msg []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case "":
		return nil, errMissingType
	case FrameTickerUpdate:
		tickers, err := market.ParseTickers(orEmptyArray(env.Data))
		if err != nil {
			return nil, err
		}
		return TickerUpdate{Tickers: tickers}, nil
	case FrameMarketAlerts:
		alerts, err := market.ParseAlerts(orEmptyArray(env.Data))
		if err != nil {
			return nil, err
		}
		return MarketAlerts{Alerts: alerts}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}
