package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pyrolink/pyrolink/internal/edge"
	"github.com/pyrolink/pyrolink/internal/infrastructure/ble"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
	"github.com/pyrolink/pyrolink/internal/infrastructure/monitoring"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence"
)

// EdgeApp 边缘端应用程序
type EdgeApp struct {
	config *config.Config
	logger *zap.Logger

	footDB  *gorm.DB
	accelDB *gorm.DB

	bus        *eventbus.InMemoryBus
	monitor    *monitoring.Monitor
	profiles   *config.ProfileStore
	central    ble.Central
	broadcast  *edge.Broadcaster
	supervisor *edge.Supervisor
	status     *edge.StatusServer
}

// NewEdgeApp 创建边缘端应用程序（依赖注入容器）
func NewEdgeApp(cfg *config.Config, logger *zap.Logger) (*EdgeApp, error) {
	app := &EdgeApp{
		config: cfg,
		logger: logger,
	}

	app.bus = eventbus.NewInMemoryBus(logger, eventBusBuffer)
	app.monitor = monitoring.NewMonitor(logger)
	monitoring.BindBus(app.bus, app.monitor)

	// 传感器档案 (YAML, 热更新)
	app.profiles = config.NewProfileStore(cfg.Edge.ProfilesPath, logger)
	if err := app.profiles.Watch(); err != nil {
		logger.Warn("Profile hot-reload unavailable", zap.Error(err))
	}

	// 本地写前日志 (两个独立 SQLite 库, 互不拖累)
	footDB, accelDB, err := persistence.NewEdgeLogDBs(cfg.Edge.FootDBPath, cfg.Edge.AccelDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local reading logs: %w", err)
	}
	app.footDB = footDB
	app.accelDB = accelDB
	store := persistence.NewGormReadingLog(footDB, accelDB)

	// BLE 中心
	central, err := ble.NewHCICentral(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init BLE central: %w", err)
	}
	app.central = central

	app.broadcast = edge.NewBroadcaster(cfg.Edge.ServerURL, cfg.Edge.DeviceKey, logger)

	app.supervisor = edge.NewSupervisor(
		cfg.Edge,
		app.profiles,
		app.central,
		store,
		app.broadcast,
		app.bus,
		app.monitor,
		logger,
	)

	app.status = edge.NewStatusServer(cfg.Edge, app.supervisor, app.monitor, logger)

	return app, nil
}

// Start 启动边缘端
func (app *EdgeApp) Start(ctx context.Context) error {
	app.logger.Info("Starting edge application",
		zap.String("server_url", app.config.Edge.ServerURL),
	)

	if err := app.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	app.status.Start()

	app.logger.Info("Edge application started",
		zap.String("status_host", app.config.Edge.StatusHost),
		zap.Int("status_port", app.config.Edge.StatusPort),
	)
	return nil
}

// Stop 停止边缘端
func (app *EdgeApp) Stop(ctx context.Context) error {
	app.logger.Info("Stopping edge application")

	app.supervisor.Stop()

	if err := app.status.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop status server", zap.Error(err))
	}

	if err := app.central.Stop(); err != nil {
		app.logger.Error("Failed to stop BLE central", zap.Error(err))
	}

	if err := app.profiles.Close(); err != nil {
		app.logger.Error("Failed to close profile watcher", zap.Error(err))
	}

	app.bus.Close()

	for _, db := range []*gorm.DB{app.footDB, app.accelDB} {
		if db == nil {
			continue
		}
		sqlDB, err := db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close reading log", zap.Error(err))
			}
		}
	}

	app.logger.Info("Edge application stopped")
	return nil
}

// Logger 返回应用日志实例
func (app *EdgeApp) Logger() *zap.Logger {
	return app.logger
}
