// Package api serves read-only views of the dashboard plus a few operator actions over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signalboard-go/internal/dashboard"
	"signalboard-go/internal/inference"
	"signalboard-go/internal/market"
	"signalboard-go/internal/metrics"
)

// Board is the dashboard surface the API reads and drives.
type Board interface {
	Status() dashboard.Status
	Tickers() []market.TickerRecord
	Candles() (symbol, interval string, bars []market.Candle)
	Alerts() []market.AlertEvent
	CurrentSession() *inference.Session
	StartAnalysis(req inference.Request) (*inference.Session, error)
	SetActive(ctx context.Context, symbol, interval string) error
	ForceReconnect() error
}

// SessionView is the JSON shape of an analysis session.
type SessionView struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	State     string            `json:"state"`
	Text      string            `json:"text"`
	StartedAt time.Time         `json:"started_at"`
	Result    *inference.Result `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func viewSession(sess *inference.Session) SessionView {
	res, err := sess.Result()
	v := SessionView{
		ID:        sess.ID,
		Symbol:    sess.Request.Symbol,
		State:     string(sess.State()),
		Text:      sess.Text(),
		StartedAt: sess.StartedAt,
		Result:    res,
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

type activeRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Interval string `json:"interval"`
}

// Server owns the gin engine and its listener.
type Server struct {
	board  Board
	log    zerolog.Logger
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. debug keeps gin's debug mode on.
func NewServer(board Board, log zerolog.Logger, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{board: board, log: log, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.requestLog)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/tickers", s.getTickers)
	v1.GET("/candles", s.getCandles)
	v1.GET("/alerts", s.getAlerts)
	v1.GET("/analysis", s.getAnalysis)
	v1.POST("/analysis", s.postAnalysis)
	v1.POST("/active", s.postActive)
	v1.POST("/reconnect", s.postReconnect)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", addr).Msg("api server stopped")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("api up")
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("api request")
}

func (s *Server) getHealth(c *gin.Context) {
	st := s.board.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"feed":      st.Feed.State.String(),
		"exhausted": st.Feed.Exhausted,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.Status())
}

func (s *Server) getTickers(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.Tickers())
}

func (s *Server) getCandles(c *gin.Context) {
	symbol, interval, bars := s.board.Candles()
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "interval": interval, "candles": bars})
}

func (s *Server) getAlerts(c *gin.Context) {
	out := s.board.Alerts()
	if sym := strings.ToUpper(c.Query("symbol")); sym != "" {
		filtered := out[:0]
		for _, a := range out {
			if a.Symbol == sym {
				filtered = append(filtered, a)
			}
		}
		out = filtered
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAnalysis(c *gin.Context) {
	sess := s.board.CurrentSession()
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis session"})
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (s *Server) postAnalysis(c *gin.Context) {
	var req inference.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sess, err := s.board.StartAnalysis(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, dashboard.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, viewSession(sess))
}

func (s *Server) postActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.board.SetActive(c.Request.Context(), req.Symbol, req.Interval); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": s.board.Status()})
		return
	}
	c.JSON(http.StatusOK, s.board.Status())
}

func (s *Server) postReconnect(c *gin.Context) {
	if err := s.board.ForceReconnect(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, s.board.Status())
}
