package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
	"github.com/pyrolink/pyrolink/internal/infrastructure/monitoring"
	"github.com/pyrolink/pyrolink/internal/interfaces/http/handlers"
	"github.com/pyrolink/pyrolink/internal/interfaces/websocket"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, uc *usecase.SessionUseCase, wsHandler *websocket.Handler, monitor *monitoring.Monitor, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" || cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 初始化处理器
	sessionHandler := handlers.NewSessionHandler(uc, logger)
	exportHandler := handlers.NewExportHandler(uc, logger)
	queryHandler := handlers.NewQueryHandler(uc, logger)
	healthHandler := handlers.NewHealthHandler(uc)

	// 注册路由
	setupRoutes(router, sessionHandler, exportHandler, queryHandler, healthHandler, wsHandler, monitor)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, sessionHandler *handlers.SessionHandler, exportHandler *handlers.ExportHandler, queryHandler *handlers.QueryHandler, healthHandler *handlers.HealthHandler, wsHandler *websocket.Handler, monitor *monitoring.Monitor) {
	// 健康检查与指标
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))

	// 传感器数据上行 (WebSocket)
	router.GET("/iot", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.PUT("/sessions/:id", sessionHandler.Update)
		api.DELETE("/sessions/:id", sessionHandler.Delete)
		api.POST("/sessions/:id/stop", sessionHandler.Stop)
		api.GET("/sessions/:id/export", exportHandler.Export)

		api.POST("/query/similar", queryHandler.Similar)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
