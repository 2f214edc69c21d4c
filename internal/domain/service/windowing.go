package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// WindowEmitter 接收已关闭窗口的下游 (向量库门面)
type WindowEmitter interface {
	EmitWindow(ctx context.Context, pointID string, window entity.Window) error
}

// WindowingConfig 窗口引擎参数
type WindowingConfig struct {
	// Grace 桶截止后允许乱序读数追加的宽限期
	Grace time.Duration
}

// DefaultWindowingConfig 默认参数
func DefaultWindowingConfig() WindowingConfig {
	return WindowingConfig{Grace: 100 * time.Millisecond}
}

// bucket 一个进行中的 500ms 窗口累加器
type bucket struct {
	start time.Time
	foot  []*entity.FootReading
	accel []*entity.AccelReading
	seen  map[string]struct{} // (device, timestamp) 去重
}

func dedupKey(r entity.Reading) string {
	return string(r.ReadingDevice()) + "@" + r.ReadingTimestamp().UTC().Format(time.RFC3339Nano)
}

// WindowingEngine assembles the mixed reading stream of the single active
// session into disjoint 500 ms windows aligned to the session start. A
// bucket closes when the wall clock passes its end plus the grace period,
// when a later bucket starts filling, or when the session stops; it is
// vectorized and emitted exactly once. The at-least-once edge means the
// same reading can arrive twice, so duplicates by (device, timestamp) are
// discarded, and late arrivals for an already closed bucket are dropped
// and counted.
type WindowingEngine struct {
	cfg     WindowingConfig
	emitter WindowEmitter
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	session *entity.Session
	buckets map[int64]*bucket
	closed  map[int64]struct{} // 已关闭桶的起点 (UnixMilli), 迟到判定依据
	highest int64              // 已观测到的最高桶起点 (UnixMilli), 用于单调触发

	lateDrops atomic.Uint64
	dupDrops  atomic.Uint64
	emitted   atomic.Uint64
}

// NewWindowingEngine 创建窗口引擎
func NewWindowingEngine(cfg WindowingConfig, emitter WindowEmitter, logger *zap.Logger) *WindowingEngine {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultWindowingConfig().Grace
	}
	return &WindowingEngine{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With(zap.String("component", "windowing")),
		now:     time.Now,
		buckets: make(map[int64]*bucket),
		closed:  make(map[int64]struct{}),
	}
}

// SetClock 注入时钟 (测试用)
func (e *WindowingEngine) SetClock(now func() time.Time) { e.now = now }

// StartSession 绑定当前 recording 会话
func (e *WindowingEngine) StartSession(s *entity.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = s
	e.buckets = make(map[int64]*bucket)
	e.closed = make(map[int64]struct{})
	e.highest = 0
	e.logger.Info("Windowing session started",
		zap.String("session_id", s.ID),
		zap.Time("created_at", s.CreatedAt),
	)
}

// StopSession 关闭会话的全部未关闭桶并解绑
func (e *WindowingEngine) StopSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if e.session == nil || e.session.ID != sessionID {
		e.mu.Unlock()
		return
	}
	closing := e.takeBuckets(func(*bucket) bool { return true })
	session := e.session
	e.session = nil
	e.mu.Unlock()

	e.emitBuckets(ctx, session, closing)
	e.logger.Info("Windowing session stopped",
		zap.String("session_id", sessionID),
		zap.Int("flushed_buckets", len(closing)),
	)
}

// ActiveSessionID 返回当前绑定的会话 ID, 没有则返回空串
func (e *WindowingEngine) ActiveSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

// Ingest routes one reading into its bucket. Readings before the session
// start or without an active session are rejected with InvalidInput.
func (e *WindowingEngine) Ingest(ctx context.Context, r entity.Reading) error {
	e.mu.Lock()
	if e.session == nil || !e.session.IsRecording() {
		e.mu.Unlock()
		return apperrors.NewInvalidInput("no recording session")
	}
	session := e.session

	t := r.ReadingTimestamp()
	if t.Before(session.CreatedAt) {
		e.mu.Unlock()
		return apperrors.NewInvalidInput(
			fmt.Sprintf("reading at %s predates session start %s", t, session.CreatedAt))
	}

	start := entity.BucketStart(session.CreatedAt, t)
	startMs := start.UnixMilli()

	// 迟到: 该桶此前已被关闭规则之一关闭过. 从未打开过的桶不算迟到,
	// 传感器之间的延迟差可以让更早的桶在更高的桶之后才收到首条读数.
	if _, wasClosed := e.closed[startMs]; wasClosed {
		e.mu.Unlock()
		e.lateDrops.Add(1)
		return nil
	}

	b, ok := e.buckets[startMs]
	if !ok {
		b = &bucket{start: start, seen: make(map[string]struct{})}
		e.buckets[startMs] = b
	}

	key := dedupKey(r)
	if _, dup := b.seen[key]; dup {
		e.mu.Unlock()
		e.dupDrops.Add(1)
		return nil
	}
	b.seen[key] = struct{}{}

	switch v := r.(type) {
	case *entity.FootReading:
		b.foot = append(b.foot, v)
	case *entity.AccelReading:
		b.accel = append(b.accel, v)
	default:
		delete(b.seen, key)
		e.mu.Unlock()
		return apperrors.NewSchemaMismatch(fmt.Sprintf("unknown reading type %T", r))
	}

	// 单调触发: 更高的桶开始积累时, 关闭所有更低且已过宽限期的桶
	var closing []*bucket
	if startMs > e.highest {
		e.highest = startMs
		deadline := start.Add(-e.cfg.Grace)
		closing = e.takeBuckets(func(b *bucket) bool {
			return b.start.Add(entity.WindowDuration).Before(deadline) || b.start.Add(entity.WindowDuration).Equal(deadline)
		})
	}
	e.mu.Unlock()

	e.emitBuckets(ctx, session, closing)
	return nil
}

// Sweep closes every bucket whose end time plus grace has passed. Run it
// periodically; it is the only closure path for a stream that simply stops.
func (e *WindowingEngine) Sweep(ctx context.Context) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	session := e.session
	cutoff := e.now().Add(-e.cfg.Grace)
	closing := e.takeBuckets(func(b *bucket) bool {
		return b.start.Add(entity.WindowDuration).Before(cutoff)
	})
	e.mu.Unlock()

	e.emitBuckets(ctx, session, closing)
}

// Stats 返回 (已发射窗口数, 迟到丢弃数, 重复丢弃数)
func (e *WindowingEngine) Stats() (emitted, late, dups uint64) {
	return e.emitted.Load(), e.lateDrops.Load(), e.dupDrops.Load()
}

// takeBuckets 摘除满足条件的桶 (调用方必须持有 e.mu)
func (e *WindowingEngine) takeBuckets(match func(*bucket) bool) []*bucket {
	var taken []*bucket
	for key, b := range e.buckets {
		if match(b) {
			taken = append(taken, b)
			delete(e.buckets, key)
			e.closed[key] = struct{}{}
		}
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i].start.Before(taken[j].start) })
	return taken
}

// emitBuckets 向量化并逐个发射已摘除的桶 (无锁阶段)
func (e *WindowingEngine) emitBuckets(ctx context.Context, session *entity.Session, closing []*bucket) {
	for _, b := range closing {
		window := e.materialize(session, b)
		if window == nil {
			continue
		}
		pointID := entity.PointID(session.ID, b.start)
		if err := e.emitter.EmitWindow(ctx, pointID, *window); err != nil {
			e.logger.Error("Window emit failed",
				zap.String("session_id", session.ID),
				zap.Time("bucket_start", b.start),
				zap.Error(err),
			)
			continue
		}
		e.emitted.Add(1)
		e.logger.Debug("Window emitted",
			zap.String("session_id", session.ID),
			zap.Time("bucket_start", b.start),
			zap.Int("foot_count", window.FootCount),
			zap.Int("accel_count", window.AccelCount),
		)
	}
}

// materialize 将一个桶物化为窗口; 空桶返回 nil
func (e *WindowingEngine) materialize(session *entity.Session, b *bucket) *entity.Window {
	if len(b.foot) == 0 && len(b.accel) == 0 {
		return nil
	}

	sort.Slice(b.foot, func(i, j int) bool { return b.foot[i].Timestamp.Before(b.foot[j].Timestamp) })
	sort.Slice(b.accel, func(i, j int) bool { return b.accel[i].Timestamp.Before(b.accel[j].Timestamp) })

	var left, right []*entity.FootReading
	for _, r := range b.foot {
		if r.Device == entity.DeviceLeftFoot {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &entity.Window{
		SessionID:  session.ID,
		StartTime:  b.start,
		EndTime:    b.start.Add(entity.WindowDuration),
		Vector:     BuildVector(left, right, b.accel),
		FootCount:  len(b.foot),
		AccelCount: len(b.accel),
		Label:      session.ActivityType,
	}
}
