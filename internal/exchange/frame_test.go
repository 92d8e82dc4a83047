package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		10: 30 * time.Second,
		70: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := Backoff(attempt, DefaultBaseDelay, DefaultMaxDelay); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestDecodeFrameTickerUpdate(t *testing.T) {
	evt, err := DecodeFrame([]byte(`{"type":"ticker_update","data":[{"symbol":"ETHUSDT","price":"3000.5","change_percent":-2}],"timestamp":1700000000.5}`))
	require.NoError(t, err)
	upd, ok := evt.(TickerUpdate)
	require.True(t, ok)
	require.Len(t, upd.Tickers, 1)
	require.Equal(t, 3000.5, upd.Tickers[0].Price)
	require.Equal(t, FrameTickerUpdate, evt.FrameType())
}

func TestDecodeFrameMarketAlerts(t *testing.T) {
	evt, err := DecodeFrame([]byte(`{"type":"market_alerts","data":[{"symbol":"SOLUSDT","type":"dump","change_percent":-0.03,"timeframe":"5m","message":"dump","timestamp":1700000001,"severity":"medium"}]}`))
	require.NoError(t, err)
	al, ok := evt.(MarketAlerts)
	require.True(t, ok)
	require.Len(t, al.Alerts, 1)
	require.Equal(t, int64(1700000001000), al.Alerts[0].Timestamp)
}

func TestDecodeFrameUnknownAndEmpty(t *testing.T) {
	evt, err := DecodeFrame([]byte(`{"type":"pong","message":"alive"}`))
	require.NoError(t, err)
	require.Equal(t, Unknown{Type: "pong"}, evt)

	evt, err = DecodeFrame([]byte(`{"type":"ticker_update"}`))
	require.NoError(t, err)
	require.Empty(t, evt.(TickerUpdate).Tickers)
}

func TestDecodeFrameErrors(t *testing.T) {
	for _, raw := range []string{
		`garbage`,
		`{"data":[]}`,
		`{"type":"ticker_update","data":{"symbol":"BTCUSDT"}}`,
		`{"type":"market_alerts","data":"nope"}`,
	} {
		if _, err := DecodeFrame([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}
