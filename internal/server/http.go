// Package server exposes the engine over the configured transport:
// an HTTP API (gin) or a JSON-lines loop on stdin/stdout. Both are
// thin adapters over the engine's public methods.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/harrison/claudecron/internal/config"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/scheduler"
)

// HTTPServer serves the catalog API.
type HTTPServer struct {
	engine *scheduler.Engine
	cfg    *config.HTTPConfig
	log    logger.Logger

	router *gin.Engine
	srv    *http.Server
}

// NewHTTPServer builds the router and wires the routes. Nothing listens
// until Start.
func NewHTTPServer(engine *scheduler.Engine, cfg *config.HTTPConfig, log logger.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.CORS.Enabled {
		corsCfg := cors.DefaultConfig()
		if len(cfg.CORS.Origins) > 0 {
			corsCfg.AllowOrigins = cfg.CORS.Origins
		} else {
			corsCfg.AllowAllOrigins = true
		}
		corsCfg.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", cfg.Auth.AuthHeader()}
		router.Use(cors.New(corsCfg))
	}

	s := &HTTPServer{
		engine: engine,
		cfg:    cfg,
		log:    logger.OrNop(log),
		router: router,
	}
	s.routes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *HTTPServer) routes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.Use(authMiddleware(s.cfg.Auth))
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PATCH("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/tasks/:id/run", s.handleRunTask)
		api.GET("/tasks/:id/stats", s.handleTaskStats)

		api.GET("/executions", s.handleListExecutions)
		api.GET("/executions/:id", s.handleGetExecution)
		api.GET("/executions/:id/progress", s.handleProgress)

		api.POST("/hooks/:event", s.handleHookEvent)
	}
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Stop. Blocks.
func (s *HTTPServer) Start() error {
	s.log.Infof("http transport listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
