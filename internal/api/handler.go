// Package api serves read-only snapshots of the core and the few operator
// actions the core allows over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/logger"
)

// Config tunes the HTTP server.
type Config struct {
	JWTSecret    string
	RateLimitRPS float64
	RateBurst    int
	Timeout      time.Duration
	Version      string
}

// Server wires HTTP endpoints around the core service.
type Server struct {
	Router  *gin.Engine
	Core    engine.Service
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	cfg     Config
	log     *zap.Logger
	http    *http.Server
}

func NewServer(core engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := logger.Named("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(log, cfg.RateLimitRPS, cfg.RateBurst))
	r.Use(TimeoutMiddleware(cfg.Timeout))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, Core: core, Bus: bus, Metrics: metrics, cfg: cfg, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(monitor.Registry, promhttp.HandlerOpts{})))

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/accounts", s.listAccounts)
		api.GET("/accounts/:id", s.getAccount)
		api.GET("/accounts/:id/positions", s.getPositions)
		api.GET("/accounts/:id/attempts", s.getAttempts)
		api.GET("/blacklist", s.getBlacklist)
		api.GET("/ws", s.websocket)

		operator := api.Group("")
		operator.Use(RequireOperator())
		{
			operator.DELETE("/blacklist/:account/:symbol", s.clearDust)
			operator.PUT("/emergency", s.setEmergency)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.cfg.Version})
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("api listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
