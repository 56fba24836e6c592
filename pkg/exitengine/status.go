package exitengine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusServer exposes an exit node's health/status surface over HTTP.
//
// Grounded on pkg/meshstorage/api/server.go's gin.Default()/route-group/
// graceful-shutdown shape, reduced to the exit's read-only status surface
// (no storage/upload routes apply here).
type StatusServer struct {
	engine     *Engine
	router     *gin.Engine
	port       int
	httpServer *http.Server
	started    time.Time
}

// NewStatusServer builds a status HTTP server bound to port.
func NewStatusServer(engine *Engine, port int) *StatusServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &StatusServer{engine: engine, router: router, port: port, started: time.Now()}
	s.setupRoutes()
	return s
}

func (s *StatusServer) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
	}
}

func (s *StatusServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_type":       "exit",
		"public_key":      s.engine.self.String(),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"pending_requests": s.engine.pending.len(),
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *StatusServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
