// Package api exposes order entry and market views over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/validation"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated user id, set by the gateway in front
// of this service.
const UserHeader = "X-User-ID"

// Trading is the order entry surface; *service.Service satisfies it.
type Trading interface {
	PlaceOrder(ctx context.Context, req validation.Request) (*engine.Result, error)
	CancelOrder(ctx context.Context, marketID, orderID string, side model.Side, userID string) (*engine.Result, error)
	Commit(ctx context.Context, marketID, userID, hash string) (*commitreveal.Commitment, error)
	Reveal(ctx context.Context, req validation.Request, nonce string) (*engine.Result, error)
	Market(marketID string) (*engine.Engine, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configure a Server.
type Options struct {
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// WebSocket serves GET /ws when set.
	WebSocket    http.HandlerFunc
	HealthChecks map[string]HealthCheck
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	trading   Trading
	validator *validator.Validate
	opts      Options
	srv       *http.Server
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, trading Trading, opts Options) *Server {
	logger = logger.Named("api")
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", UserHeader, "X-Trace-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: origins[0] != "*",
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		logger:    logger,
		trading:   trading,
		validator: validator.New(),
		opts:      opts,
	}
	s.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.opts.WebSocket != nil {
		s.router.GET("/ws", gin.WrapF(s.opts.WebSocket))
	}

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.healthCheck)

	markets := v1.Group("/markets/:market")
	{
		markets.GET("/depth", s.getDepth)
		markets.GET("/snapshot", s.getSnapshot)
	}
	trading := markets.Group("", s.requireUser)
	{
		trading.POST("/orders", s.placeOrder)
		trading.DELETE("/orders/:id", s.cancelOrder)
		trading.POST("/commitments", s.commit)
		trading.POST("/reveal", s.reveal)
	}
}

// Start serves on addr until Shutdown and returns nil after a clean shutdown.
// Shutdown before Start makes Start return immediately.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.opts.HealthChecks))
	for name, check := range s.opts.HealthChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks, "time": time.Now().UTC()})
}
