package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence/models"
)

// NewServerDB 创建服务端数据库连接 (会话登记表)
func NewServerDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 自动迁移模式
	if err := db.AutoMigrate(&models.SessionModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// NewEdgeLogDBs opens the two edge write-ahead databases. Per-kind files
// keep the single-writer/single-reader contract simple and let the accel
// log grow independently of the foot log.
func NewEdgeLogDBs(footPath, accelPath string) (foot, accel *gorm.DB, err error) {
	foot, err = gorm.Open(sqlite.Open(footPath), gormConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open foot log %s: %w", footPath, err)
	}
	if err = foot.AutoMigrate(&models.FootReadingModel{}); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate foot log: %w", err)
	}

	accel, err = gorm.Open(sqlite.Open(accelPath), gormConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open accel log %s: %w", accelPath, err)
	}
	if err = accel.AutoMigrate(&models.AccelReadingModel{}); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate accel log: %w", err)
	}

	return foot, accel, nil
}

// gormConfig 配置 GORM
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
