// Package api exposes the risk and sentinel control plane over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/polydeck/terminal/internal/risk"
	"github.com/polydeck/terminal/internal/sentinel"
)

// Server wires the risk guard and sentinel agent behind a gin router.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger

	guard *risk.RiskGuard
	store *risk.RiskAuditStore
	agent *sentinel.SentinelAgent

	corsOrigins []string
}

// ServerOption configures optional pieces of the server.
type ServerOption func(*Server)

// WithCORSOrigins restricts allowed origins. Defaults to "*".
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// NewServer builds the router with logging, recovery and CORS middleware
// and registers all routes.
func NewServer(logger *zap.Logger, guard *risk.RiskGuard, store *risk.RiskAuditStore, agent *sentinel.SentinelAgent, opts ...ServerOption) *Server {
	s := &Server{
		logger:      logger,
		guard:       guard,
		store:       store,
		agent:       agent,
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  s.corsOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		riskGroup := v1.Group("/risk")
		{
			riskGroup.POST("/check", s.checkTrade)
			riskGroup.GET("/config", s.riskConfig)
			riskGroup.GET("/context/:provider", s.riskContext)
			riskGroup.POST("/circuit-breaker", s.triggerCircuitBreaker)
			riskGroup.DELETE("/circuit-breaker", s.resetCircuitBreaker)
			riskGroup.GET("/rejections", s.listRejections)
		}

		sentinelGroup := v1.Group("/sentinel")
		{
			sentinelGroup.GET("/proposals", s.listProposals)
			sentinelGroup.POST("/proposals/:id/approve", s.approveProposal)
			sentinelGroup.POST("/proposals/:id/reject", s.rejectProposal)
			sentinelGroup.GET("/stats", s.sentinelStats)
		}
	}
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Router returns the gin engine, used by handler tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
