// Package dashboard wires the live feed into the derived market views and runs analysis sessions
// for the active instrument.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"signalboard-go/internal/alerts"
	"signalboard-go/internal/candles"
	"signalboard-go/internal/config"
	"signalboard-go/internal/exchange"
	"signalboard-go/internal/inference"
	"signalboard-go/internal/journal"
	"signalboard-go/internal/market"
	"signalboard-go/internal/ticker"
)

// MarketData loads candle history and ticker snapshots.
type MarketData interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	Tickers(ctx context.Context, symbols []string) ([]market.TickerRecord, error)
}

// Journal records accepted alerts and finalized analyses.
type Journal interface {
	RecordAnalysis(sess *inference.Session) error
	RecordAlerts(alerts []market.AlertEvent) error
	Close() error
}

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("dashboard closed")

// journalQueue bounds the alert batches waiting for the journal writer.
const journalQueue = 64

// Status summarizes the dashboard for display.
type Status struct {
	Feed          exchange.Status `json:"feed"`
	ActiveSymbol  string          `json:"active_symbol"`
	Interval      string          `json:"interval"`
	Price         float64         `json:"price"`
	Priced        bool            `json:"priced"`
	Candles       int             `json:"candles"`
	Alerts        int             `json:"alerts"`
	AlertCapacity int             `json:"alert_capacity"`
	AnalysisID    string          `json:"analysis_id,omitempty"`
	AnalysisState string          `json:"analysis_state,omitempty"`
}

// Dashboard owns the feed and every view it feeds.
type Dashboard struct {
	cfg       config.Config
	log       zerolog.Logger
	feed      *exchange.Feed
	store     *candles.Store
	projector *ticker.Projector
	alerts    *alerts.Buffer
	market    MarketData
	analyst   *inference.Client
	journal   Journal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	journalCh   chan []market.AlertEvent
	journalStop chan struct{}
	journalDone chan struct{}

	mu       sync.Mutex
	switchMu sync.Mutex
	session  *inference.Session

	closeOnce sync.Once
	closeErr  error
}

// Option customizes collaborators, mostly for tests.
type Option func(*Dashboard)

// WithMarketData replaces the REST market client.
func WithMarketData(md MarketData) Option {
	return func(d *Dashboard) { d.market = md }
}

// WithJournal replaces the journal built from config.
func WithJournal(j Journal) Option {
	return func(d *Dashboard) { d.journal = j }
}

// WithAnalyst replaces the inference client built from config.
func WithAnalyst(c *inference.Client) Option {
	return func(d *Dashboard) { d.analyst = c }
}

// New builds a dashboard from cfg. Nothing connects until Start.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Dashboard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	c := *cfg
	c.Normalize()

	ctx, cancel := context.WithCancel(context.Background())
	store := candles.NewStore()
	d := &Dashboard{
		cfg:       c,
		log:       log,
		store:     store,
		projector: ticker.NewProjector(store),
		alerts:    alerts.NewBuffer(c.Alerts.Capacity),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.market == nil {
		d.market = exchange.NewRESTClient(c.Market.KlinesBaseURL, c.Market.APIBaseURL, log)
	}
	if d.analyst == nil {
		d.analyst = inference.NewClient(c.Analysis.BaseURL, log,
			inference.WithRateLimit(c.Analysis.RatePerSec, c.Analysis.Burst),
			inference.WithTimeout(c.Analysis.Timeout()),
		)
	}
	if d.journal == nil && c.Journal.Path != "" {
		rec, err := journal.NewJSONLRecorder(c.Journal.Path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = rec
	}
	d.projector.Track(c.Market.Symbols...)
	if d.journal != nil {
		d.journalCh = make(chan []market.AlertEvent, journalQueue)
		d.journalStop = make(chan struct{})
		d.journalDone = make(chan struct{})
		go d.journalLoop()
	}
	d.feed = exchange.NewFeed(c.Feed.URL, d.HandleEvent, log,
		exchange.WithHeader(c.Feed.Header()),
		exchange.WithBackoff(c.Feed.BaseDelay(), c.Feed.MaxDelay()),
		exchange.WithMaxAttempts(c.Feed.MaxAttempts),
		exchange.WithKeepalive(c.Feed.PingInterval(), c.Feed.ReadTimeout()),
		exchange.WithOnExhausted(func(st exchange.Status) {
			log.Error().Int("retries", st.RetryCount).Msg("live feed offline, manual reconnect required")
		}),
	)
	return d, nil
}

// Start loads the initial instrument and ticker table, then opens the live feed.
// Load failures are logged; the feed still starts.
func (d *Dashboard) Start(ctx context.Context) error {
	d.load(ctx)
	d.feed.Connect()
	d.log.Info().Str("url", d.cfg.Feed.URL).Str("active", d.projector.Active()).Msg("dashboard started")
	return nil
}

// Run loads the initial views, keeps the live feed open until ctx is done and then closes the dashboard.
func (d *Dashboard) Run(ctx context.Context) error {
	d.load(ctx)
	d.log.Info().Str("url", d.cfg.Feed.URL).Str("active", d.projector.Active()).Msg("dashboard running")
	err := d.feed.Run(ctx)
	if errors.Is(err, exchange.ErrFeedClosed) {
		err = nil
	}
	return errors.Join(err, d.Close())
}

func (d *Dashboard) load(ctx context.Context) {
	if d.cfg.Market.ActiveSymbol != "" {
		if err := d.SetActive(ctx, d.cfg.Market.ActiveSymbol, d.cfg.Market.Interval); err != nil {
			d.log.Warn().Err(err).Msg("initial candle load failed")
		}
	}
	if err := d.ReloadTickers(ctx); err != nil {
		d.log.Warn().Err(err).Msg("initial ticker load failed")
	}
}

// Close stops the feed, cancels any analysis, flushes queued alerts and closes the journal.
// It is safe to call more than once.
func (d *Dashboard) Close() error {
	d.cancel()
	err := d.feed.Close()
	d.wg.Wait()
	if d.journal == nil {
		return err
	}
	d.closeOnce.Do(func() {
		close(d.journalStop)
		<-d.journalDone
		d.closeErr = d.journal.Close()
	})
	return errors.Join(err, d.closeErr)
}

// HandleEvent routes one decoded frame to its view. It runs on the feed goroutine and never
// waits on the journal; batches are dropped when the journal queue is full.
func (d *Dashboard) HandleEvent(evt exchange.Event) {
	switch e := evt.(type) {
	case exchange.TickerUpdate:
		d.projector.Apply(e.Tickers)
	case exchange.MarketAlerts:
		accepted := d.alerts.IngestAccepted(e.Alerts)
		for _, a := range accepted {
			d.log.Debug().Stringer("alert", a.Key()).Str("severity", string(a.Severity)).Msg("alert accepted")
		}
		if len(accepted) == 0 || d.journalCh == nil {
			return
		}
		select {
		case d.journalCh <- accepted:
		default:
			d.log.Warn().Int("alerts", len(accepted)).Msg("journal queue full, alerts not journaled")
		}
	}
}

// journalLoop writes queued alert batches until Close, then drains what is left.
func (d *Dashboard) journalLoop() {
	defer close(d.journalDone)
	for {
		select {
		case batch := <-d.journalCh:
			d.recordAlerts(batch)
		case <-d.journalStop:
			for {
				select {
				case batch := <-d.journalCh:
					d.recordAlerts(batch)
				default:
					return
				}
			}
		}
	}
}

func (d *Dashboard) recordAlerts(batch []market.AlertEvent) {
	if err := d.journal.RecordAlerts(batch); err != nil {
		d.log.Warn().Err(err).Int("alerts", len(batch)).Msg("journal alerts")
	}
}

// SetActive switches the displayed instrument: the candle store is replaced wholesale, the projector
// tracks the new symbol and any in-flight analysis is cancelled. An empty interval keeps the current one.
func (d *Dashboard) SetActive(ctx context.Context, symbol, interval string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("symbol required")
	}
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if interval == "" {
		if _, cur := d.store.Instrument(); cur != "" {
			interval = cur
		} else {
			interval = d.cfg.Market.Interval
		}
	}
	if prev := d.projector.Active(); prev != "" && prev != symbol {
		d.cancelSession("instrument changed")
	}

	bars, err := d.market.Klines(ctx, symbol, interval, d.cfg.Market.KlineLimit)
	if err != nil {
		bars = nil
	}
	d.store.Replace(symbol, interval, bars)
	d.projector.SetActive(symbol)
	if err != nil {
		return fmt.Errorf("load klines %s %s: %w", symbol, interval, err)
	}
	d.log.Info().Str("symbol", symbol).Str("interval", interval).Int("bars", len(bars)).Msg("active instrument set")
	return nil
}

// ReloadTickers replaces the ticker table with a REST snapshot of the configured symbols.
func (d *Dashboard) ReloadTickers(ctx context.Context) error {
	if len(d.cfg.Market.Symbols) == 0 {
		return nil
	}
	records, err := d.market.Tickers(ctx, d.cfg.Market.Symbols)
	if err != nil {
		return err
	}
	d.projector.Reload(records)
	return nil
}

// StartAnalysis begins a streaming analysis, superseding any running one. Empty request fields
// default to the active instrument and configured preferences.
func (d *Dashboard) StartAnalysis(req inference.Request) (*inference.Session, error) {
	if d.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if req.Symbol == "" {
		req.Symbol = d.projector.Active()
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("no active instrument")
	}
	if req.Timeframe == "" {
		req.Timeframe = d.cfg.Analysis.Timeframe
	}
	if req.AnalysisDepth == 0 {
		req.AnalysisDepth = d.cfg.Analysis.Depth
	}
	if req.RiskPreference == "" {
		req.RiskPreference = d.cfg.Analysis.RiskPreference
	}
	if req.Model == "" {
		req.Model = d.cfg.Analysis.Model
	}
	if req.PromptTemplate == "" {
		req.PromptTemplate = d.cfg.Analysis.PromptTemplate
	}

	d.mu.Lock()
	if d.session != nil {
		d.session.Cancel()
	}
	sess := d.analyst.Start(d.ctx, req)
	d.session = sess
	d.mu.Unlock()

	d.wg.Add(1)
	go d.awaitSession(sess)
	return sess, nil
}

func (d *Dashboard) awaitSession(sess *inference.Session) {
	defer d.wg.Done()
	<-sess.Done()
	if sess.State() != inference.StateDone || d.journal == nil {
		return
	}
	if err := d.journal.RecordAnalysis(sess); err != nil {
		d.log.Warn().Err(err).Str("session", sess.ID).Msg("journal analysis")
	}
}

func (d *Dashboard) cancelSession(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || d.session.State().Terminal() {
		return
	}
	d.log.Info().Str("session", d.session.ID).Str("reason", reason).Msg("cancelling analysis")
	d.session.Cancel()
}

// CurrentSession returns the latest analysis session, if any.
func (d *Dashboard) CurrentSession() *inference.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// ForceReconnect drops the live connection and reconnects with a fresh retry budget.
func (d *Dashboard) ForceReconnect() error { return d.feed.ForceReconnect() }

// Tickers returns the ticker table sorted by symbol.
func (d *Dashboard) Tickers() []market.TickerRecord { return d.projector.Table() }

// Candles returns the active instrument and a copy of its bars.
func (d *Dashboard) Candles() (symbol, interval string, bars []market.Candle) {
	symbol, interval = d.store.Instrument()
	return symbol, interval, d.store.Snapshot()
}

// Alerts returns the alert list newest first.
func (d *Dashboard) Alerts() []market.AlertEvent { return d.alerts.Snapshot() }

// Status returns a point-in-time summary.
func (d *Dashboard) Status() Status {
	symbol, interval := d.store.Instrument()
	price, priced := d.projector.CurrentPrice()
	st := Status{
		Feed:          d.feed.Status(),
		ActiveSymbol:  symbol,
		Interval:      interval,
		Price:         price,
		Priced:        priced,
		Candles:       d.store.Len(),
		Alerts:        d.alerts.Len(),
		AlertCapacity: d.alerts.Capacity(),
	}
	if sess := d.CurrentSession(); sess != nil {
		st.AnalysisID = sess.ID
		st.AnalysisState = string(sess.State())
	}
	return st
}
