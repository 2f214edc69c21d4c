package monitoring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics 指标收集器
type Metrics struct {
	// 读数采集
	ReadingsIngested uint64
	MalformedFrames  uint64
	ReadingsSaved    uint64
	ReadingsSent     uint64
	SendFailures     uint64

	// 窗口化
	WindowsEmitted uint64
	LateDrops      uint64
	DupDrops       uint64

	// 会话
	SessionsCreated uint64
	SessionsStopped uint64
	RecordingActive int64

	// 连接
	WSClients        int64
	SensorReconnects uint64

	// 积压 (gauge, 由轮询更新)
	UnsentBacklog int64

	// 启动时间
	StartTime time.Time
}

// Monitor 性能监控器
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
	mu      sync.RWMutex

	// 历史数据 (用于诊断)
	history      []MetricsSnapshot
	historyLimit int
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	Timestamp         time.Time
	ReadingsPerSecond float64
	WindowsPerSecond  float64
	UnsentBacklog     int64
	WSClients         int64
	MemoryMB          float64
	Goroutines        int
}

// NewMonitor 创建监控器
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{
			StartTime: time.Now(),
		},
		logger:       logger,
		history:      make([]MetricsSnapshot, 0, 100),
		historyLimit: 100,
	}
}

// 计数方法
func (m *Monitor) IncReadingIngested() { atomic.AddUint64(&m.metrics.ReadingsIngested, 1) }
func (m *Monitor) IncMalformedFrame()  { atomic.AddUint64(&m.metrics.MalformedFrames, 1) }
func (m *Monitor) IncReadingSaved()    { atomic.AddUint64(&m.metrics.ReadingsSaved, 1) }
func (m *Monitor) IncSendFailure()     { atomic.AddUint64(&m.metrics.SendFailures, 1) }
func (m *Monitor) IncWindowEmitted()   { atomic.AddUint64(&m.metrics.WindowsEmitted, 1) }
func (m *Monitor) IncLateDrop()        { atomic.AddUint64(&m.metrics.LateDrops, 1) }
func (m *Monitor) IncDupDrop()         { atomic.AddUint64(&m.metrics.DupDrops, 1) }
func (m *Monitor) IncSessionCreated()  { atomic.AddUint64(&m.metrics.SessionsCreated, 1) }
func (m *Monitor) IncSessionStopped()  { atomic.AddUint64(&m.metrics.SessionsStopped, 1) }
func (m *Monitor) IncSensorReconnect() { atomic.AddUint64(&m.metrics.SensorReconnects, 1) }

func (m *Monitor) AddReadingsSent(n int) {
	atomic.AddUint64(&m.metrics.ReadingsSent, uint64(n))
}

func (m *Monitor) SetRecordingActive(active bool) {
	var v int64
	if active {
		v = 1
	}
	atomic.StoreInt64(&m.metrics.RecordingActive, v)
}

func (m *Monitor) AddWSClient(delta int64) {
	atomic.AddInt64(&m.metrics.WSClients, delta)
}

func (m *Monitor) SetUnsentBacklog(n int64) {
	atomic.StoreInt64(&m.metrics.UnsentBacklog, n)
}

// GetStats 获取当前统计
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	ingested := atomic.LoadUint64(&m.metrics.ReadingsIngested)

	return map[string]interface{}{
		"uptime_seconds":    uptime.Seconds(),
		"readings_ingested": ingested,
		"malformed_frames":  atomic.LoadUint64(&m.metrics.MalformedFrames),
		"readings_saved":    atomic.LoadUint64(&m.metrics.ReadingsSaved),
		"readings_sent":     atomic.LoadUint64(&m.metrics.ReadingsSent),
		"send_failures":     atomic.LoadUint64(&m.metrics.SendFailures),
		"windows_emitted":   atomic.LoadUint64(&m.metrics.WindowsEmitted),
		"late_drops":        atomic.LoadUint64(&m.metrics.LateDrops),
		"dup_drops":         atomic.LoadUint64(&m.metrics.DupDrops),
		"sessions_created":  atomic.LoadUint64(&m.metrics.SessionsCreated),
		"sessions_stopped":  atomic.LoadUint64(&m.metrics.SessionsStopped),
		"recording_active":  atomic.LoadInt64(&m.metrics.RecordingActive),
		"ws_clients":        atomic.LoadInt64(&m.metrics.WSClients),
		"sensor_reconnects": atomic.LoadUint64(&m.metrics.SensorReconnects),
		"unsent_backlog":    atomic.LoadInt64(&m.metrics.UnsentBacklog),
		"memory_mb":         float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
		"readings_per_sec":  float64(ingested) / uptime.Seconds(),
	}
}

// Snapshot 创建快照并保存
func (m *Monitor) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime).Seconds()
	ingested := atomic.LoadUint64(&m.metrics.ReadingsIngested)
	windows := atomic.LoadUint64(&m.metrics.WindowsEmitted)

	snapshot := MetricsSnapshot{
		Timestamp:         time.Now(),
		ReadingsPerSecond: float64(ingested) / uptime,
		WindowsPerSecond:  float64(windows) / uptime,
		UnsentBacklog:     atomic.LoadInt64(&m.metrics.UnsentBacklog),
		WSClients:         atomic.LoadInt64(&m.metrics.WSClients),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if len(m.history) > m.historyLimit {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	return snapshot
}

// GetHistory 获取历史快照
func (m *Monitor) GetHistory() []MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]MetricsSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// StartCollector 启动定期收集
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Snapshot()
		}
	}
}
