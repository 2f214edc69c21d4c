package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
)

// SensorProfile 单个传感器的连接档案
type SensorProfile struct {
	Role    entity.Device `yaml:"role"`    // LEFT_FOOT | RIGHT_FOOT | ACCELEROMETER
	Address string        `yaml:"address"` // BLE 外设地址

	ServiceUUID string `yaml:"service_uuid"`
	NotifyChar  string `yaml:"notify_char"` // 数据特征
	WriteChar   string `yaml:"write_char"`  // 控制特征

	Throttle           int `yaml:"throttle"`             // 每 N 帧转发一帧
	MaxConnectAttempts int `yaml:"max_connect_attempts"` // 连接重试上限

	StartCommand    string        `yaml:"start_command"`     // 连接后写入 (ASCII)
	StopCommand     string        `yaml:"stop_command"`      // 断开前写入 (ASCII)
	KeepAliveHex    string        `yaml:"keep_alive_hex"`    // 保活字节串 (hex)
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"` // 保活周期
}

// KeepAliveBytes 解码保活字节串; 未配置返回 nil
func (p SensorProfile) KeepAliveBytes() ([]byte, error) {
	if p.KeepAliveHex == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(strings.ReplaceAll(p.KeepAliveHex, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid keep_alive_hex %q: %w", p.KeepAliveHex, err)
	}
	return data, nil
}

// DefaultProfiles returns the shipped profiles for the three known sensors.
// Firmware-specific byte strings (begin/end, the 0xFF 0xAA keep-alive) live
// here so a profiles file only needs addresses.
func DefaultProfiles() []SensorProfile {
	foot := SensorProfile{
		Throttle:           1,
		MaxConnectAttempts: 5,
		StartCommand:       "begin",
		StopCommand:        "end",
	}
	left := foot
	left.Role = entity.DeviceLeftFoot
	right := foot
	right.Role = entity.DeviceRightFoot

	accel := SensorProfile{
		Role:               entity.DeviceAccelerometer,
		Throttle:           1,
		MaxConnectAttempts: 5,
		KeepAliveHex:       "ffaa273a00",
		KeepAlivePeriod:    time.Second,
	}
	return []SensorProfile{left, right, accel}
}

// profilesFile YAML 文件结构
type profilesFile struct {
	Sensors []SensorProfile `yaml:"sensors"`
}

// ProfileStore holds the current sensor profiles and hot-reloads them when
// the backing YAML file changes. Missing file falls back to defaults;
// a file that fails to parse keeps the previous profiles.
type ProfileStore struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	profiles []SensorProfile

	watcher  *fsnotify.Watcher
	onChange func([]SensorProfile)
	done     chan struct{}
}

// NewProfileStore 创建档案仓库并做一次初始加载
func NewProfileStore(path string, logger *zap.Logger) *ProfileStore {
	s := &ProfileStore{
		path:     path,
		logger:   logger.With(zap.String("component", "profiles")),
		profiles: DefaultProfiles(),
		done:     make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		s.logger.Warn("Initial profile load failed, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return s
}

// Profiles 返回当前档案快照
func (s *ProfileStore) Profiles() []SensorProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SensorProfile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Profile 返回指定角色的档案
func (s *ProfileStore) Profile(role entity.Device) (SensorProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.Role == role {
			return p, true
		}
	}
	return SensorProfile{}, false
}

// OnChange 注册档案变更回调
func (s *ProfileStore) OnChange(fn func([]SensorProfile)) {
	s.onChange = fn
}

// Watch 启动文件监视 (热更新)
func (s *ProfileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher

	// 监视目录而非文件本身, 覆盖编辑器原子替换的情况
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go s.watchLoop()
	return nil
}

// Close 停止监视
func (s *ProfileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *ProfileStore) watchLoop() {
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("Profile reload failed, keeping previous",
					zap.Error(err),
				)
				continue
			}
			s.logger.Info("Sensor profiles reloaded", zap.String("path", s.path))
			if s.onChange != nil {
				s.onChange(s.Profiles())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Profile watcher error", zap.Error(err))
		}
	}
}

func (s *ProfileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse profiles: %w", err)
	}
	if len(file.Sensors) == 0 {
		return fmt.Errorf("profiles file has no sensors")
	}

	merged := make([]SensorProfile, 0, len(file.Sensors))
	for _, p := range file.Sensors {
		merged = append(merged, mergeProfile(p))
	}

	s.mu.Lock()
	s.profiles = merged
	s.mu.Unlock()
	return nil
}

// mergeProfile 为档案补齐角色默认值 (零值字段取角色默认)
func mergeProfile(p SensorProfile) SensorProfile {
	var def SensorProfile
	for _, d := range DefaultProfiles() {
		if d.Role == p.Role {
			def = d
			break
		}
	}
	if p.Throttle <= 0 {
		p.Throttle = def.Throttle
	}
	if p.MaxConnectAttempts <= 0 {
		p.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if p.StartCommand == "" {
		p.StartCommand = def.StartCommand
	}
	if p.StopCommand == "" {
		p.StopCommand = def.StopCommand
	}
	if p.KeepAliveHex == "" {
		p.KeepAliveHex = def.KeepAliveHex
		p.KeepAlivePeriod = def.KeepAlivePeriod
	}
	if p.KeepAlivePeriod <= 0 && p.KeepAliveHex != "" {
		p.KeepAlivePeriod = time.Second
	}
	return p
}
