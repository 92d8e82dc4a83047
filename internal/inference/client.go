package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"signalboard-go/internal/metrics"
)

var (
	// ErrSessionCancelled ends a session that was superseded or cancelled by the caller.
	ErrSessionCancelled = errors.New("analysis session cancelled")
	// ErrStreamStatus is returned when the stream endpoint answers with a non-200 status.
	ErrStreamStatus = errors.New("analysis stream rejected")
	// ErrFinalizeStatus is returned when the finalization endpoint answers with a non-200 status.
	ErrFinalizeStatus = errors.New("analysis finalization rejected")
)

const (
	streamPath   = "/api/analysis/predict/stream"
	finalizePath = "/api/analysis/predict"

	defaultTimeout = 180 * time.Second
)

// Request names the analysis parameters. The same request drives the stream and the finalization fetch.
type Request struct {
	Symbol         string `json:"symbol"`
	Timeframe      string `json:"timeframe"`
	AnalysisDepth  int    `json:"analysis_depth"`
	RiskPreference string `json:"risk_preference"`
	Model          string `json:"model,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

func (r Request) normalized() Request {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Timeframe == "" {
		r.Timeframe = "4h"
	}
	if r.AnalysisDepth <= 0 {
		r.AnalysisDepth = 2
	}
	if r.RiskPreference == "" {
		r.RiskPreference = "moderate"
	}
	return r
}

// Result is the authoritative structured analysis returned by finalization.
type Result struct {
	Symbol          string         `json:"symbol"`
	AnalysisTime    string         `json:"analysis_time"`
	Timeframe       string         `json:"timeframe"`
	Prediction      string         `json:"prediction"`
	Confidence      float64        `json:"confidence"`
	Reasoning       []string       `json:"reasoning"`
	KeyLevels       map[string]any `json:"key_levels"`
	SuggestedAction string         `json:"suggested_action"`
	EntryZone       map[string]any `json:"entry_zone,omitempty"`
	StopLoss        *float64       `json:"stop_loss,omitempty"`
	TakeProfit      []float64      `json:"take_profit,omitempty"`
	RiskLevel       string         `json:"risk_level"`
	RiskWarning     []string       `json:"risk_warning"`
	Summary         string         `json:"summary"`
	AIModel         string         `json:"ai_model,omitempty"`
}

// Client runs analysis sessions against the prediction backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient swaps the transport. Its Timeout should be zero for streaming.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit bounds how often backend requests are issued. perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout bounds a whole session, streaming plus finalization.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a client for the backend at baseURL.
func NewClient(baseURL string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		timeout: defaultTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a session in the background. The returned session grows as fragments arrive
// and ends done, failed or cancelled.
func (c *Client) Start(ctx context.Context, req Request) *Session {
	req = req.normalized()
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	sess := newSession(req, cancel)
	go func() {
		defer cancel()
		c.run(runCtx, sess)
	}()
	return sess
}

// Analyze runs a session to completion and returns the finalized result with the streamed text.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, string, error) {
	sess := c.Start(ctx, req)
	<-sess.Done()
	res, err := sess.Result()
	return res, sess.Text(), err
}

func (c *Client) run(ctx context.Context, sess *Session) {
	log := c.log.With().Str("session", sess.ID).Str("symbol", sess.Request.Symbol).Logger()

	if err := c.consume(ctx, sess); err != nil {
		c.fail(ctx, sess, log, "stream", err)
		return
	}

	sess.transition(StateFinalizing)
	res, err := c.Finalize(ctx, sess.Request)
	if err != nil {
		c.fail(ctx, sess, log, "finalize", err)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("done").Inc()
	log.Info().Int("fragments", sess.Fragments()).Str("prediction", res.Prediction).Msg("analysis finalized")
	sess.finish(StateDone, res, nil)
}

func (c *Client) fail(ctx context.Context, sess *Session, log zerolog.Logger, phase string, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		metrics.AnalysisRequests.WithLabelValues("cancelled").Inc()
		log.Info().Str("phase", phase).Msg("analysis cancelled")
		sess.finish(StateCancelled, nil, ErrSessionCancelled)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("failed").Inc()
	log.Error().Err(err).Str("phase", phase).Msg("analysis failed")
	sess.finish(StateFailed, nil, fmt.Errorf("%s: %w", phase, err))
}

// consume reads the stream until the sentinel, appending each fragment to the session.
func (c *Client) consume(ctx context.Context, sess *Session) error {
	stream, err := c.OpenStream(ctx, sess.Request)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if !sess.append(fragment) {
			return ErrSessionCancelled
		}
		metrics.AnalysisFragments.Inc()
	}
}

// OpenStream posts req to the stream endpoint and returns the fragment iterator.
func (c *Client) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.post(ctx, streamPath, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrStreamStatus, resp.StatusCode, snippet(resp.Body))
	}
	return NewStream(resp.Body, c.log), nil
}

// Finalize fetches the structured result for req with a regular request.
func (c *Client) Finalize(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.post(ctx, finalizePath, req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFinalizeStatus, resp.StatusCode, snippet(resp.Body))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if res.Symbol == "" {
		res.Symbol = req.Symbol
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, req Request, accept string) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("analysis backend url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	return resp, nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
