// Package api provides the HTTP surface of the relay: the /v1/messages
// translation endpoint plus health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cloudrelay/geminirelay/internal/config"
	"github.com/cloudrelay/geminirelay/internal/executor"
	"github.com/cloudrelay/geminirelay/internal/logging"
)

// Server owns the gin engine and the long-lived collaborators shared by
// request handlers.
type Server struct {
	cfg    *config.Store
	exec   *executor.GeminiExecutor
	engine *gin.Engine
	http   *http.Server
}

// NewServer wires routes and middleware. The config store is read per
// request so hot reloads apply without a restart.
func NewServer(cfg *config.Store, exec *executor.GeminiExecutor) *Server {
	if !cfg.Get().Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{cfg: cfg, exec: exec, engine: engine}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/v1/messages", s.handleMessages)

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case errServe := <-errCh:
		if errServe != nil && errServe != http.ErrServerClosed {
			return errServe
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
