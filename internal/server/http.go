package server

import (
	"context"
	"fmt"
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/config"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/server/middlewares"
)

const apiV1 string = "/api/v1"

type Server struct {
	srv *http.Server
}

func NewServer(cfg *config.Configuration, registerHandlerFn func(router *gin.RouterGroup)) (*Server, error) {
	gin.SetMode(gin.DebugMode)
	if cfg.ServerMode == config.ServerModeProd {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	router := engine.Group(apiV1)
	router.Use(
		middlewares.Logger(),
		ginzap.RecoveryWithZap(zap.S().Desugar(), true),
	)

	registerHandlerFn(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort),
		Handler: engine,
	}

	return &Server{srv: srv}, nil
}

// Start starts the HTTP server; it returns when the server stops.
func (r *Server) Start(ctx context.Context) error {
	if err := r.srv.ListenAndServe(); err != nil {
		zap.S().Named("http").Errorw("failed to start server", "error", err)
		return err
	}

	return nil
}

// Stop shuts the server down gracefully.
func (r *Server) Stop(ctx context.Context) {
	if err := r.srv.Shutdown(ctx); err != nil {
		zap.S().Errorw("server shutdown", "error", err)
	}
}
