// Package exchange hosts the live market feed connection and the REST market data client.
package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signalboard-go/internal/metrics"
)

// State is the lifecycle state of the live connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	State      State         `json:"state"`
	RetryCount int           `json:"retry_count"`
	Exhausted  bool          `json:"exhausted"`
	NextDelay  time.Duration `json:"next_delay"`
}

// Handler receives decoded frames. Calls are sequential and in arrival order.
type Handler func(Event)

// ErrFeedClosed is returned by operations on a closed feed.
var ErrFeedClosed = errors.New("feed closed")

const (
	defaultPingInterval = 15 * time.Second
	defaultReadTimeout  = 60 * time.Second
	maxFrameBytes       = 1 << 20
)

// Feed maintains exactly one live websocket connection and reconnects with exponential backoff.
type Feed struct {
	url     string
	header  http.Header
	handler Handler
	log     zerolog.Logger
	dialer  *websocket.Dialer

	baseDelay    time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	pingInterval time.Duration
	readTimeout  time.Duration
	onExhausted  func(Status)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	retries   int
	exhausted bool
	nextDelay time.Duration
	gen       uint64
	abort     context.CancelFunc
	conn      *websocket.Conn
	timer     *time.Timer
	closed    bool
	wg        sync.WaitGroup
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithBackoff overrides the reconnect base delay and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(f *Feed) {
		if base > 0 {
			f.baseDelay = base
		}
		if max > 0 {
			f.maxDelay = max
		}
	}
}

// WithMaxAttempts sets how many automatic reconnects are scheduled before giving up.
func WithMaxAttempts(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithKeepalive tunes the ping cadence and the read deadline.
func WithKeepalive(ping, readTimeout time.Duration) Option {
	return func(f *Feed) {
		if ping > 0 {
			f.pingInterval = ping
		}
		if readTimeout > 0 {
			f.readTimeout = readTimeout
		}
	}
}

// WithHeader adds handshake headers.
func WithHeader(h http.Header) Option {
	return func(f *Feed) { f.header = h.Clone() }
}

// WithOnExhausted registers a callback fired once the retry ceiling is hit.
func WithOnExhausted(fn func(Status)) Option {
	return func(f *Feed) { f.onExhausted = fn }
}

// NewFeed constructs a feed for url. Nothing is dialed until Connect.
func NewFeed(url string, handler Handler, log zerolog.Logger, opts ...Option) *Feed {
	if handler == nil {
		handler = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		url:          url,
		handler:      handler,
		log:          log,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		maxAttempts:  DefaultMaxAttempts,
		pingInterval: defaultPingInterval,
		readTimeout:  defaultReadTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxDelay < f.baseDelay {
		f.maxDelay = f.baseDelay
	}
	return f
}

// Status returns the current connection status.
func (f *Feed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{State: f.state, RetryCount: f.retries, Exhausted: f.exhausted, NextDelay: f.nextDelay}
}

// Connect starts a connection attempt unless one is already open or opening.
func (f *Feed) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectLocked()
}

func (f *Feed) connectLocked() {
	if f.closed || f.state != StateDisconnected {
		return
	}
	f.stopTimerLocked()
	f.abortLocked()
	f.gen++
	ctx, abort := context.WithCancel(f.ctx)
	f.abort = abort
	f.setStateLocked(StateConnecting)
	f.wg.Add(1)
	go f.run(ctx, f.gen)
}

// ForceReconnect drops any current connection, cancels a pending reconnect, resets the
// retry counter and connects immediately.
func (f *Feed) ForceReconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	f.stopTimerLocked()
	f.abortLocked()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	// Invalidate the in-flight attempt or read loop so its close path is ignored.
	f.gen++
	f.retries = 0
	f.nextDelay = 0
	f.setExhaustedLocked(false)
	f.setStateLocked(StateDisconnected)
	f.log.Info().Str("url", f.url).Msg("manual reconnect requested")
	f.connectLocked()
	return nil
}

// Run connects and blocks until ctx is done, then closes the feed. It returns ErrFeedClosed
// when the feed is closed by someone else first.
func (f *Feed) Run(ctx context.Context) error {
	f.Connect()
	select {
	case <-ctx.Done():
		return f.Close()
	case <-f.ctx.Done():
		return ErrFeedClosed
	}
}

// Close tears the connection down and disables reconnection. It waits for the read loop to exit.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.cancel()
	f.abortLocked()
	f.stopTimerLocked()
	f.gen++
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.setStateLocked(StateDisconnected)
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

func (f *Feed) run(ctx context.Context, gen uint64) {
	defer f.wg.Done()
	conn, err := f.dial(ctx)
	if err != nil {
		f.disconnected(gen, err)
		return
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.conn = conn
	f.retries = 0
	f.nextDelay = 0
	f.setExhaustedLocked(false)
	f.setStateLocked(StateConnected)
	f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("connected market data feed")
	err = f.serve(gen, conn)
	_ = conn.Close()
	f.disconnected(gen, err)
}

// dial performs one handshake. The dialer only honors ctx deadlines once the socket is up,
// so the socket is closed when ctx is cancelled before the upgrade completes.
func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	d := *f.dialer
	netDial := d.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	// The dial hook runs synchronously inside DialContext.
	var stop func() bool
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { _ = c.Close() })
		return c, nil
	}

	conn, _, err := d.DialContext(ctx, f.url, f.header)
	aborted := stop != nil && !stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(ctx.Err(), err)
		}
		return nil, err
	}
	if aborted {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (f *Feed) serve(gen uint64, conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		if !f.isCurrent(gen) {
			return nil
		}
		f.dispatch(message)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				f.log.Warn().Err(err).Msg("feed ping failed")
				return
			}
		case <-stop:
			return
		}
	}
}

func (f *Feed) dispatch(message []byte) {
	evt, err := DecodeFrame(message)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		f.log.Warn().Err(err).Int("bytes", len(message)).Msg("failed to decode feed frame")
		return
	}
	switch evt.(type) {
	case TickerUpdate, MarketAlerts:
		metrics.FramesTotal.WithLabelValues(evt.FrameType()).Inc()
	default:
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
		f.log.Debug().Str("type", evt.FrameType()).Msg("ignoring feed frame")
		return
	}
	f.handler(evt)
}

// disconnected handles both dial failures and dropped connections.
func (f *Feed) disconnected(gen uint64, cause error) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.setStateLocked(StateDisconnected)
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.retries >= f.maxAttempts {
		f.setExhaustedLocked(true)
		f.nextDelay = 0
		status := Status{State: f.state, RetryCount: f.retries, Exhausted: true}
		f.mu.Unlock()
		f.log.Error().Err(cause).Int("attempts", status.RetryCount).Msg("feed reconnect attempts exhausted")
		if f.onExhausted != nil {
			f.onExhausted(status)
		}
		return
	}
	delay := Backoff(f.retries, f.baseDelay, f.maxDelay)
	f.nextDelay = delay
	f.timer = time.AfterFunc(delay, func() { f.reconnect(gen) })
	f.retries++
	attempt := f.retries
	f.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	f.log.Warn().Err(cause).Dur("delay", delay).Int("attempt", attempt).Msg("feed disconnected, retrying")
}

func (f *Feed) reconnect(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	f.timer = nil
	f.connectLocked()
}

func (f *Feed) isCurrent(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gen == f.gen
}

// abortLocked cancels the handshake of the in-flight attempt, if any.
func (f *Feed) abortLocked() {
	if f.abort != nil {
		f.abort()
		f.abort = nil
	}
}

func (f *Feed) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Feed) setStateLocked(s State) {
	f.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (f *Feed) setExhaustedLocked(v bool) {
	f.exhausted = v
	if v {
		metrics.RetryExhausted.Set(1)
	} else {
		metrics.RetryExhausted.Set(0)
	}
}
