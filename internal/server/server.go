// Package server provides the management HTTP surface: pool inspection,
// switching, health reporting, and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-codex/codex-proxy-go/internal/account"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/metrics"
	"github.com/opencode-codex/codex-proxy-go/internal/promptcache"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
	"github.com/opencode-codex/codex-proxy-go/pkg/redis"
)

// Server is the management HTTP server.
type Server struct {
	engine  *gin.Engine
	manager *account.Manager
	creds   *account.CredentialsCache
	prompts *promptcache.Cache
	stats   *redis.Stats
	cfg     *config.Config
	log     *utils.Logger

	httpServer *http.Server
}

// New creates a Server and wires its routes.
func New(cfg *config.Config, manager *account.Manager, creds *account.CredentialsCache, prompts *promptcache.Cache, stats *redis.Stats) *Server {
	if cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())
	engine.Use(CorrelationMiddleware())
	engine.Use(RequestLoggingMiddleware())

	s := &Server{
		engine:  engine,
		manager: manager,
		creds:   creds,
		prompts: prompts,
		stats:   stats,
		cfg:     cfg,
		log:     utils.NewLogger("Server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	accounts := s.engine.Group("/accounts")
	{
		accounts.GET("", s.handleListAccounts)
		accounts.GET("/health", s.handleAccountHealth)
		accounts.POST("/switch", s.handleSwitch)
		accounts.POST("/:identifier/rename", s.handleRename)
		accounts.DELETE("/:identifier", s.handleRemove)
	}

	s.engine.GET("/select", s.handleSelect)
	s.engine.GET("/probe", s.handleProbe)
	s.engine.POST("/rate-limit", s.handleRateLimit)
	s.engine.GET("/prompt", s.handlePrompt)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/logs", s.handleLogs)
}

// Run starts serving until the context is cancelled, then drains with a
// grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("management server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
