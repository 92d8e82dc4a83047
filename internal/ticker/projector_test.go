package ticker

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"signalboard-go/internal/candles"
	"signalboard-go/internal/market"
	"signalboard-go/internal/metrics"
)

func newSeededProjector(t *testing.T) (*Projector, *candles.Store) {
	t.Helper()
	store := candles.NewStore()
	store.Replace("BTCUSDT", "1h", []market.Candle{
		{Timestamp: 1, Open: 70, High: 75, Low: 65, Close: 72},
		{Timestamp: 2, Open: 92, High: 100, Low: 90, Close: 95},
	})
	p := NewProjector(store)
	p.SetActive("BTCUSDT")
	return p, store
}

func TestApplyLastWriteWinsWithinBatch(t *testing.T) {
	p := NewProjector(nil)
	p.Apply([]market.TickerRecord{
		{Symbol: "BTCUSDT", Price: 100},
		{Symbol: "ETHUSDT", Price: 10},
		{Symbol: "BTCUSDT", Price: 101},
	})
	rec, ok := p.Ticker("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, 101.0, rec.Price)
	require.Len(t, p.Table(), 2)
}

func TestApplyLastWriteWinsAcrossBatches(t *testing.T) {
	p := NewProjector(nil)
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 100}})
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 101, ChangePercent: 1}})
	rec, _ := p.Ticker("BTCUSDT")
	require.Equal(t, market.TickerRecord{Symbol: "BTCUSDT", Price: 101, ChangePercent: 1}, rec)
	require.Len(t, p.Table(), 1)
}

func TestApplyMutatesActiveCandle(t *testing.T) {
	p, store := newSeededProjector(t)
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 95}})
	p.Apply([]market.TickerRecord{{Symbol: "ETHUSDT", Price: 5000}, {Symbol: "BTCUSDT", Price: 105}})
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 85}})

	last, ok := store.Last()
	require.True(t, ok)
	require.Equal(t, 105.0, last.High)
	require.Equal(t, 85.0, last.Low)
	require.Equal(t, 85.0, last.Close)

	price, ok := p.CurrentPrice()
	require.True(t, ok)
	require.Equal(t, 85.0, price)

	first := store.Snapshot()[0]
	require.Equal(t, 72.0, first.Close)
}

func TestApplyWithoutCandlesOnlyUpdatesPrice(t *testing.T) {
	store := candles.NewStore()
	p := NewProjector(store)
	p.SetActive("SOLUSDT")
	p.Apply([]market.TickerRecord{{Symbol: "SOLUSDT", Price: 150}})

	price, ok := p.CurrentPrice()
	require.True(t, ok)
	require.Equal(t, 150.0, price)
	require.Equal(t, 0, store.Len())
	_, ok = p.Ticker("SOLUSDT")
	require.True(t, ok)
}

func TestApplyIgnoresCandlesOfPreviousInstrument(t *testing.T) {
	p, store := newSeededProjector(t)
	p.SetActive("ETHUSDT")
	p.Apply([]market.TickerRecord{{Symbol: "ETHUSDT", Price: 3000}})
	last, _ := store.Last()
	require.Equal(t, 95.0, last.Close)
}

func TestSetActiveSeedsPriceFromTable(t *testing.T) {
	p := NewProjector(nil)
	p.Apply([]market.TickerRecord{{Symbol: "XRPUSDT", Price: 0.6}})
	if _, ok := p.CurrentPrice(); ok {
		t.Fatalf("no active symbol yet, expected no current price")
	}
	p.SetActive("XRPUSDT")
	price, ok := p.CurrentPrice()
	require.True(t, ok)
	require.Equal(t, 0.6, price)

	p.SetActive("DOGEUSDT")
	_, ok = p.CurrentPrice()
	require.False(t, ok)
}

func TestReloadReplacesTable(t *testing.T) {
	p := NewProjector(nil)
	p.SetActive("BTCUSDT")
	p.Apply([]market.TickerRecord{{Symbol: "OLDUSDT", Price: 1}})
	p.Reload([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 64000}})
	_, ok := p.Ticker("OLDUSDT")
	require.False(t, ok)
	price, ok := p.CurrentPrice()
	require.True(t, ok)
	require.Equal(t, 64000.0, price)
}

func TestApplyNullPriceLeavesCandleIntact(t *testing.T) {
	p, store := newSeededProjector(t)
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", Price: 96}})

	var frame struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ticker_update","data":[{"symbol":"BTCUSDT","price":null,"change_percent":1}]}`), &frame))
	records, err := market.ParseTickers(frame.Data)
	require.NoError(t, err)
	p.Apply(records)
	p.Apply([]market.TickerRecord{{Symbol: "BTCUSDT", ChangePercent: 1}})

	last, _ := store.Last()
	require.Equal(t, 100.0, last.High)
	require.Equal(t, 90.0, last.Low)
	require.Equal(t, 96.0, last.Close)
	price, _ := p.CurrentPrice()
	require.Equal(t, 96.0, price)
	rec, _ := p.Ticker("BTCUSDT")
	require.Equal(t, 96.0, rec.Price)
}

func TestApplyBoundsTickMetricLabels(t *testing.T) {
	p := NewProjector(nil)
	p.Track("ETHUSDT")
	p.SetActive("BTCUSDT")

	other := testutil.ToFloat64(metrics.TicksTotal.WithLabelValues(OtherSymbols))
	eth := testutil.ToFloat64(metrics.TicksTotal.WithLabelValues("ETHUSDT"))
	btc := testutil.ToFloat64(metrics.TicksTotal.WithLabelValues("BTCUSDT"))
	p.Apply([]market.TickerRecord{
		{Symbol: "BTCUSDT", Price: 1},
		{Symbol: "ETHUSDT", Price: 1},
		{Symbol: "RANDOM1USDT", Price: 1},
		{Symbol: "RANDOM2USDT", Price: 1},
	})

	require.Equal(t, other+2, testutil.ToFloat64(metrics.TicksTotal.WithLabelValues(OtherSymbols)))
	require.Equal(t, eth+1, testutil.ToFloat64(metrics.TicksTotal.WithLabelValues("ETHUSDT")))
	require.Equal(t, btc+1, testutil.ToFloat64(metrics.TicksTotal.WithLabelValues("BTCUSDT")))

	for _, sym := range []string{"RANDOM1USDT", "RANDOM2USDT"} {
		if _, ok := p.Ticker(sym); !ok {
			t.Fatalf("expected %s in table despite shared metric label", sym)
		}
	}
}
