package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置 (边端与服务端共用一份结构, 各取所需)
type Config struct {
	Edge     EdgeConfig     `mapstructure:"edge"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Log      LogConfig      `mapstructure:"log"`
}

// EdgeConfig 边端配置
type EdgeConfig struct {
	DeviceKey    string `mapstructure:"device_key"`    // 广播鉴权密钥
	ServerURL    string `mapstructure:"server_url"`    // 服务端地址, 如 ws://host:port
	ProfilesPath string `mapstructure:"profiles_path"` // 传感器档案 YAML (支持热更新)
	FootDBPath   string `mapstructure:"foot_db_path"`  // 足压本地库 (SQLite)
	AccelDBPath  string `mapstructure:"accel_db_path"` // IMU 本地库 (SQLite)

	// 状态端口 (/healthz, /metrics)
	StatusHost string `mapstructure:"status_host"`
	StatusPort int    `mapstructure:"status_port"`

	// 共享 BLE 栈串行连接的间隔
	ConnectGap time.Duration `mapstructure:"connect_gap"`

	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig 补发器配置
type RetryConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`   // 轮询间隔 (默认 30s)
	MaxRecords     int           `mapstructure:"max_records"`     // 单批行数上限 (默认 100)
	BackoffBase    time.Duration `mapstructure:"backoff_base"`    // 退避基数 (默认 60s)
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`     // 退避上限 (默认 3600s)
	Retention      time.Duration `mapstructure:"retention"`       // 已发送行保留期 (默认 24h)
	WebhookURLs    []string      `mapstructure:"webhook_urls"`    // 备用 HTTP 投递地址
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"` // 单地址超时 (默认 10s)
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Mode       string   `mapstructure:"mode"`        // local, production
	DeviceKeys []string `mapstructure:"device_keys"` // 可接受的边端密钥

	// 窗口截止后的乱序宽限期
	WindowGrace time.Duration `mapstructure:"window_grace"`
	// 关桶扫描周期
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres, memory
	DSN  string `mapstructure:"dsn"`
}

// VectorConfig 向量库配置
type VectorConfig struct {
	Type      string `mapstructure:"type"`       // lancedb | memory
	StorePath string `mapstructure:"store_path"` // LanceDB 持久化目录
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// ─── 分层配置加载 ───
	// 优先级 (低 → 高): 默认值 → 全局 ~/.pyrolink/ → 项目本地 → 环境变量
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置 ~/.pyrolink/config.yaml
	globalDir := filepath.Join(os.Getenv("HOME"), ".pyrolink")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置 (./config/config.yaml 或 ./config.yaml)
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break // 只取第一个找到的本地配置
		}
	}

	// 环境变量覆盖
	v.SetEnvPrefix("PYROLINK")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Edge 默认值
	v.SetDefault("edge.server_url", "ws://127.0.0.1:18790")
	v.SetDefault("edge.profiles_path", "sensors.yaml")
	v.SetDefault("edge.foot_db_path", "foot_readings.db")
	v.SetDefault("edge.accel_db_path", "accel_readings.db")
	v.SetDefault("edge.status_host", "127.0.0.1")
	v.SetDefault("edge.status_port", 18791)
	v.SetDefault("edge.connect_gap", "3s")
	v.SetDefault("edge.retry.poll_interval", "30s")
	v.SetDefault("edge.retry.max_records", 100)
	v.SetDefault("edge.retry.backoff_base", "60s")
	v.SetDefault("edge.retry.max_backoff", "3600s")
	v.SetDefault("edge.retry.retention", "24h")
	v.SetDefault("edge.retry.webhook_timeout", "10s")

	// Server 默认值
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18790)
	v.SetDefault("server.mode", "local")
	v.SetDefault("server.window_grace", "100ms")
	v.SetDefault("server.sweep_interval", "100ms")

	// Database 默认值
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "pyrolink.db")

	// Vector 默认值
	v.SetDefault("vector.type", "lancedb")
	v.SetDefault("vector.store_path", "~/.pyrolink/vectors")

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
