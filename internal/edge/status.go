package edge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/monitoring"
)

// StatusServer 边缘端本机状态接口: /healthz 与 /metrics
type StatusServer struct {
	supervisor *Supervisor
	monitor    *monitoring.Monitor
	logger     *zap.Logger
	srv        *http.Server
}

// NewStatusServer 创建状态服务
func NewStatusServer(cfg config.EdgeConfig, supervisor *Supervisor, monitor *monitoring.Monitor, logger *zap.Logger) *StatusServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &StatusServer{
		supervisor: supervisor,
		monitor:    monitor,
		logger:     logger,
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.StatusHost, cfg.StatusPort),
		Handler: router,
	}
	return s
}

// Start 后台启动监听
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info("Edge status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status server failed", zap.Error(err))
		}
	}()
}

// Stop 优雅关闭
func (s *StatusServer) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *StatusServer) handleHealthz(c *gin.Context) {
	stats := s.monitor.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"sensors":        s.supervisor.SessionStates(),
		"broadcast":      s.supervisor.broadcast.Connected(),
		"unsent_backlog": stats["unsent_backlog"],
		"uptime_seconds": stats["uptime_seconds"],
	})
}
