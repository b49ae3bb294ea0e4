// Package api is the HTTP surface of the execution core: read-only views of
// the ledger plus a small set of JWT-protected operator actions.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/engine"
	"execution-core/internal/monitor"
)

// SignalQueue accepts operator-submitted signals for the next scan.
type SignalQueue interface {
	Push(sigs []engine.RawSignal) (string, error)
}

// Config controls auth and request limits.
type Config struct {
	JWTSecret      string
	PasswordHash   string
	TokenTTL       time.Duration
	RequestTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

func DefaultConfig() Config {
	return Config{
		TokenTTL:       12 * time.Hour,
		RequestTimeout: 30 * time.Second,
		RateLimit:      20,
		RateBurst:      50,
	}
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	engine  engine.Service
	signals SignalQueue
	metrics *monitor.Metrics
	cfg     Config
	log     *zap.Logger
	http    *http.Server
}

func NewServer(svc engine.Service, signals SignalQueue, metrics *monitor.Metrics, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(Recovery(log))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiter(cfg.RateLimit, cfg.RateBurst, 5*time.Minute)))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		engine:  svc,
		signals: signals,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/positions", s.getPositions)
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/risk", s.getRisk)
		api.GET("/trades", s.getTrades)
		api.GET("/status", s.getStatus)

		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		{
			protected.POST("/operator/kill", s.kill)
			protected.POST("/operator/resume", s.resume)
			protected.POST("/operator/deposit", s.deposit)
			protected.POST("/operator/withdraw", s.withdraw)
			protected.POST("/signals", s.submitSignals)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.engine.Status()
	status := "ok"
	switch {
	case !st.Initialized:
		status = "starting"
	case st.ReadOnly:
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "mode": st.Mode})
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
