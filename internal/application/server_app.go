package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/domain/service"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
	"github.com/pyrolink/pyrolink/internal/infrastructure/monitoring"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence"
	"github.com/pyrolink/pyrolink/internal/infrastructure/vectorstore"
	httpServer "github.com/pyrolink/pyrolink/internal/interfaces/http"
	"github.com/pyrolink/pyrolink/internal/interfaces/websocket"
	"github.com/pyrolink/pyrolink/pkg/safego"
)

// eventBusBuffer 事件总线缓冲大小
const eventBusBuffer = 256

// ServerApp 服务端应用程序
type ServerApp struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 基础设施
	bus     *eventbus.InMemoryBus
	monitor *monitoring.Monitor

	// 仓储层
	sessionRepo repository.SessionRepository
	vectorStore repository.VectorStore

	// 领域服务
	engine *service.WindowingEngine

	// 应用服务
	sessionUseCase *usecase.SessionUseCase

	// 接口层
	hub        *websocket.Hub
	httpServer *httpServer.Server

	cancel context.CancelFunc
}

// NewServerApp 创建服务端应用程序（依赖注入容器）
func NewServerApp(cfg *config.Config, logger *zap.Logger) (*ServerApp, error) {
	app := &ServerApp{
		config: cfg,
		logger: logger,
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initInfrastructure 初始化基础设施
func (app *ServerApp) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.bus = eventbus.NewInMemoryBus(app.logger, eventBusBuffer)
	app.monitor = monitoring.NewMonitor(app.logger)
	monitoring.BindBus(app.bus, app.monitor)

	return nil
}

// initRepositories 初始化仓储层
func (app *ServerApp) initRepositories() error {
	app.logger.Info("Initializing repositories",
		zap.String("database", app.config.Database.Type),
		zap.String("vector", app.config.Vector.Type),
	)

	// 会话仓储
	if app.config.Database.Type == "memory" {
		app.sessionRepo = persistence.NewMemorySessionRepository()
	} else {
		db, err := persistence.NewServerDB(&app.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		app.db = db
		app.sessionRepo = persistence.NewGormSessionRepository(db)
	}

	// 向量库
	if app.config.Vector.Type == "memory" {
		app.vectorStore = vectorstore.NewMemoryStore()
	} else {
		store, err := vectorstore.NewLanceDBStore(app.config.Vector.StorePath, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open vector store: %w", err)
		}
		app.vectorStore = store
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *ServerApp) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	sink := usecase.NewWindowSink(app.vectorStore, app.bus)
	app.engine = service.NewWindowingEngine(
		service.WindowingConfig{Grace: app.config.Server.WindowGrace},
		sink,
		app.logger,
	)

	app.sessionUseCase = usecase.NewSessionUseCase(
		app.sessionRepo,
		app.vectorStore,
		app.engine,
		app.bus,
		app.logger,
	)

	return nil
}

// initInterfaces 初始化接口层
func (app *ServerApp) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	// 传感器上行通道 (WebSocket)
	app.hub = websocket.NewHub(app.authenticator(), app.sessionUseCase, app.logger)
	app.hub.OnClientChange(app.monitor.AddWSClient)
	wsHandler := websocket.NewHandler(app.hub, app.logger)

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: app.config.Server.Mode,
		},
		app.sessionUseCase,
		wsHandler,
		app.monitor,
		app.logger,
	)

	return nil
}

// authenticator 基于配置密钥列表的边端鉴权
func (app *ServerApp) authenticator() websocket.Authenticator {
	keys := app.config.Server.DeviceKeys
	return func(deviceKey string) bool {
		// 未配置密钥时接受任意非空密钥, 便于本地联调
		if len(keys) == 0 {
			return deviceKey != ""
		}
		for _, k := range keys {
			if k == deviceKey {
				return true
			}
		}
		return false
	}
}

// Start 启动应用程序
func (app *ServerApp) Start(ctx context.Context) error {
	app.logger.Info("Starting server application")

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	// 进程重启后遗留的录制会话已无法续写, 先行收尾
	if err := app.sessionUseCase.RecoverStale(runCtx); err != nil {
		app.logger.Warn("Stale session recovery failed", zap.Error(err))
	}

	safego.Go(app.logger, "ws-hub", func() {
		app.hub.Run(runCtx)
	})

	// 关桶扫描
	sweep := app.config.Server.SweepInterval
	if sweep <= 0 {
		sweep = 100 * time.Millisecond
	}
	safego.Loop(runCtx, app.logger, "window-sweep", sweep, func(ctx context.Context) {
		app.engine.Sweep(ctx)
	})

	app.monitor.StartCollector(runCtx, 30*time.Second)

	if err := app.httpServer.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Server application started",
		zap.String("host", app.config.Server.Host),
		zap.Int("port", app.config.Server.Port),
	)
	return nil
}

// Stop 停止应用程序
func (app *ServerApp) Stop(ctx context.Context) error {
	app.logger.Info("Stopping server application")

	if app.cancel != nil {
		app.cancel()
	}

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	// 停掉在录会话, 把未关的窗口桶冲出去
	if id := app.sessionUseCase.ActiveSessionID(); id != "" {
		if _, err := app.sessionUseCase.Stop(ctx, id); err != nil {
			app.logger.Error("Failed to stop active session", zap.Error(err))
		}
	}

	app.bus.Close()

	if err := app.vectorStore.Close(); err != nil {
		app.logger.Error("Failed to close vector store", zap.Error(err))
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Server application stopped")
	return nil
}

// SessionUseCase 返回会话应用服务 (测试与诊断用)
func (app *ServerApp) SessionUseCase() *usecase.SessionUseCase {
	return app.sessionUseCase
}

// Logger 返回应用日志实例
func (app *ServerApp) Logger() *zap.Logger {
	return app.logger
}
