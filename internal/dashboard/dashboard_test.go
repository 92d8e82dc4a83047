package dashboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"signalboard-go/internal/config"
	"signalboard-go/internal/exchange"
	"signalboard-go/internal/inference"
	"signalboard-go/internal/market"
)

type fakeMarket struct {
	mu      sync.Mutex
	klines  map[string][]market.Candle
	tickers []market.TickerRecord
	calls   []string
}

func (f *fakeMarket) Klines(_ context.Context, symbol, interval string, _ int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol+"@"+interval)
	bars, ok := f.klines[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return bars, nil
}

func (f *fakeMarket) Tickers(context.Context, []string) ([]market.TickerRecord, error) {
	return f.tickers, nil
}

type memJournal struct {
	mu       sync.Mutex
	alerts   []market.AlertEvent
	analyses []string
	closed   bool
}

func (j *memJournal) RecordAnalysis(sess *inference.Session) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.analyses = append(j.analyses, sess.ID)
	return nil
}

func (j *memJournal) RecordAlerts(alerts []market.AlertEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.alerts = append(j.alerts, alerts...)
	return nil
}

func (j *memJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *memJournal) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.alerts), len(j.analyses)
}

func testConfig(feedURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Feed.URL = feedURL
	cfg.Feed.BaseDelayMs = 10
	cfg.Market.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.Market.ActiveSymbol = "BTCUSDT"
	cfg.Analysis.RatePerSec = -1
	return cfg
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		klines: map[string][]market.Candle{
			"BTCUSDT": {
				{Timestamp: 1, Open: 100, High: 105, Low: 95, Close: 101},
				{Timestamp: 2, Open: 101, High: 103, Low: 99, Close: 102},
			},
			"ETHUSDT": {{Timestamp: 1, Open: 10, High: 11, Low: 9, Close: 10}},
		},
		tickers: []market.TickerRecord{{Symbol: "BTCUSDT", Price: 102}, {Symbol: "ETHUSDT", Price: 10}},
	}
}

func TestHandleEventRoutesFramesToViews(t *testing.T) {
	j := &memJournal{}
	var logs syncBuffer
	d, err := New(testConfig("ws://127.0.0.1:1/unused"), zerolog.New(&logs), WithMarketData(newFakeMarket()), WithJournal(j))
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.SetActive(context.Background(), "btcusdt", "1h"))

	d.HandleEvent(exchange.TickerUpdate{Tickers: []market.TickerRecord{
		{Symbol: "BTCUSDT", Price: 110, ChangePercent: 2},
		{Symbol: "ETHUSDT", Price: 11},
	}})
	alert := market.AlertEvent{Symbol: "BTCUSDT", Type: market.AlertPump, Timestamp: 1700000000000, Severity: market.SeverityHigh}
	d.HandleEvent(exchange.MarketAlerts{Alerts: []market.AlertEvent{alert}})
	d.HandleEvent(exchange.MarketAlerts{Alerts: []market.AlertEvent{alert}})
	d.HandleEvent(exchange.Unknown{Type: "pong"})

	_, _, bars := d.Candles()
	require.Len(t, bars, 2)
	require.Equal(t, 110.0, bars[1].Close)
	require.Equal(t, 110.0, bars[1].High)
	require.Equal(t, 102.0, bars[0].Close)

	st := d.Status()
	require.Equal(t, "BTCUSDT", st.ActiveSymbol)
	require.Equal(t, 110.0, st.Price)
	require.Equal(t, 1, st.Alerts)
	require.Equal(t, 20, st.AlertCapacity)
	require.Len(t, d.Tickers(), 2)

	require.Eventually(t, func() bool {
		alerts, _ := j.counts()
		return alerts == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, strings.Count(logs.String(), `"alert":"BTCUSDT/1700000000000/pump"`))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type blockingJournal struct {
	memJournal
	release chan struct{}
}

func (j *blockingJournal) RecordAlerts(alerts []market.AlertEvent) error {
	<-j.release
	return j.memJournal.RecordAlerts(alerts)
}

func TestHandleEventDoesNotWaitForJournal(t *testing.T) {
	j := &blockingJournal{release: make(chan struct{})}
	d, err := New(testConfig("ws://127.0.0.1:1/unused"), zerolog.Nop(), WithMarketData(newFakeMarket()), WithJournal(j))
	require.NoError(t, err)

	handled := make(chan struct{})
	go func() {
		for i := int64(1); i <= 3; i++ {
			d.HandleEvent(exchange.MarketAlerts{Alerts: []market.AlertEvent{{Symbol: "BTCUSDT", Type: market.AlertPump, Timestamp: i}}})
		}
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleEvent blocked on a stalled journal")
	}
	require.Equal(t, 3, d.Status().Alerts)

	close(j.release)
	require.NoError(t, d.Close())
	alerts, _ := j.counts()
	require.Equal(t, 3, alerts)
	require.True(t, j.closed)
	require.NoError(t, d.Close())
}

func TestSetActiveReplacesCandlesAndCancelsAnalysis(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"content\":\"thinking\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer backend.Close()
	defer close(release)

	cfg := testConfig("ws://127.0.0.1:1/unused")
	cfg.Analysis.BaseURL = backend.URL
	d, err := New(cfg, zerolog.Nop(), WithMarketData(newFakeMarket()))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SetActive(context.Background(), "BTCUSDT", "1h"))
	sess, err := d.StartAnalysis(inference.Request{})
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", sess.Request.Symbol)
	require.Eventually(t, func() bool { return sess.Text() == "thinking" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.SetActive(context.Background(), "ETHUSDT", ""))
	_, err = sess.Wait(context.Background())
	require.ErrorIs(t, err, inference.ErrSessionCancelled)

	symbol, interval, bars := d.Candles()
	require.Equal(t, "ETHUSDT", symbol)
	require.Equal(t, "1h", interval)
	require.Len(t, bars, 1)

	// Stale ticks for the previous instrument no longer touch the store.
	d.HandleEvent(exchange.TickerUpdate{Tickers: []market.TickerRecord{{Symbol: "BTCUSDT", Price: 999}}})
	_, _, bars = d.Candles()
	require.Equal(t, 10.0, bars[0].Close)
}

func TestSetActiveFailureStillSwitches(t *testing.T) {
	d, err := New(testConfig("ws://127.0.0.1:1/unused"), zerolog.Nop(), WithMarketData(newFakeMarket()))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SetActive(context.Background(), "BTCUSDT", "4h"))
	err = d.SetActive(context.Background(), "DOGEUSDT", "")
	require.ErrorContains(t, err, "load klines DOGEUSDT 4h")

	st := d.Status()
	require.Equal(t, "DOGEUSDT", st.ActiveSymbol)
	require.Zero(t, st.Candles)
	require.Error(t, d.SetActive(context.Background(), " ", ""))
}

func TestStartAnalysisRecordsFinalizedSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analysis/predict/stream", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"content\":\"ok\"}\n\ndata: [DONE]\n\n")
	})
	mux.HandleFunc("/api/analysis/predict", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"symbol":"ETHUSDT","prediction":"neutral","confidence":50}`)
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	cfg := testConfig("ws://127.0.0.1:1/unused")
	cfg.Analysis.BaseURL = backend.URL
	j := &memJournal{}
	d, err := New(cfg, zerolog.Nop(), WithMarketData(newFakeMarket()), WithJournal(j))
	require.NoError(t, err)

	sess, err := d.StartAnalysis(inference.Request{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	res, err := sess.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "neutral", res.Prediction)
	require.Same(t, sess, d.CurrentSession())

	require.Eventually(t, func() bool {
		_, analyses := j.counts()
		return analyses == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	require.True(t, j.closed)
	_, err = d.StartAnalysis(inference.Request{Symbol: "ETHUSDT"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestStartWiresLiveFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker_update","data":[{"symbol":"BTCUSDT","price":"120","change_percent":3}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"market_alerts","data":[{"symbol":"ETHUSDT","type":"volume_spike","timestamp":1700000000,"severity":"low"}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer feedSrv.Close()

	d, err := New(testConfig("ws"+strings.TrimPrefix(feedSrv.URL, "http")), zerolog.Nop(), WithMarketData(newFakeMarket()))
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Feed.State == exchange.StateConnected && st.Price == 120 && st.Alerts == 1
	}, 3*time.Second, 5*time.Millisecond)

	_, _, bars := d.Candles()
	require.Equal(t, 120.0, bars[len(bars)-1].Close)
	require.Equal(t, market.AlertVolumeSpike, d.Alerts()[0].Type)
}

func TestRunServesFeedUntilCancelled(t *testing.T) {
	origins := make(chan string, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origins <- r.Header.Get("Origin")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer feedSrv.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(feedSrv.URL, "http"))
	cfg.Feed.Headers = map[string]string{"Origin": "http://dashboard.local"}
	j := &memJournal{}
	d, err := New(cfg, zerolog.Nop(), WithMarketData(newFakeMarket()), WithJournal(j))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Feed.State == exchange.StateConnected && st.Candles == 2
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, "http://dashboard.local", <-origins)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	require.True(t, j.closed)
	_, err = d.StartAnalysis(inference.Request{Symbol: "BTCUSDT"})
	require.ErrorIs(t, err, ErrClosed)
}
