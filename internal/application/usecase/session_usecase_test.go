package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/service"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence"
	"github.com/pyrolink/pyrolink/internal/infrastructure/vectorstore"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

type ucRig struct {
	uc       *SessionUseCase
	sessions *persistence.MemorySessionRepository
	store    *vectorstore.MemoryStore
	engine   *service.WindowingEngine
	clock    time.Time
}

func newUCRig(t *testing.T) *ucRig {
	t.Helper()
	logger := zap.NewNop()
	bus := eventbus.NewInMemoryBus(logger, 16)
	t.Cleanup(func() { bus.Close() })

	sessions := persistence.NewMemorySessionRepository()
	store := vectorstore.NewMemoryStore()
	sink := NewWindowSink(store, bus)
	engine := service.NewWindowingEngine(service.WindowingConfig{}, sink, logger)
	uc := NewSessionUseCase(sessions, store, engine, bus, logger)

	rig := &ucRig{
		uc:       uc,
		sessions: sessions,
		store:    store,
		engine:   engine,
		clock:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	uc.now = func() time.Time { return rig.clock }
	engine.SetClock(func() time.Time { return rig.clock })
	return rig
}

func footReadingAt(ts time.Time) *entity.FootReading {
	return &entity.FootReading{
		Timestamp: ts,
		Device:    entity.DeviceLeftFoot,
		Values:    make([]float64, entity.FootValueLen),
	}
}

// --- Test: 孤儿录制会话恢复 ---

func TestSessionUseCase_RecoverStale(t *testing.T) {
	rig := newUCRig(t)
	ctx := context.Background()

	// 模拟上一进程留下的 recording 会话 (引擎里没有对应状态)
	stale, err := entity.NewSession("stale-1", "power loss", entity.ActivityWalking, rig.clock.Add(-time.Hour))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := rig.sessions.Create(ctx, stale); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	if err := rig.uc.RecoverStale(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, err := rig.sessions.FindByID(ctx, "stale-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.IsRecording() {
		t.Errorf("stale session still recording after recovery")
	}
	if got.StoppedAt == nil {
		t.Fatalf("stale session has no stop time")
	}
	if !got.StoppedAt.Equal(stale.UpdatedAt) {
		t.Errorf("stopped_at = %v, want last update time %v", got.StoppedAt, stale.UpdatedAt)
	}

	// 恢复后应可正常开新会话
	if _, err := rig.uc.Create(ctx, "fresh", entity.ActivityRunning); err != nil {
		t.Errorf("create after recovery: %v", err)
	}
}

func TestSessionUseCase_RecoverStaleNoop(t *testing.T) {
	rig := newUCRig(t)
	if err := rig.uc.RecoverStale(context.Background()); err != nil {
		t.Fatalf("recover on empty store: %v", err)
	}
}

// --- Test: 创建绑定窗口引擎 ---

func TestSessionUseCase_CreateBindsEngine(t *testing.T) {
	rig := newUCRig(t)
	ctx := context.Background()

	session, err := rig.uc.Create(ctx, "drill", entity.ActivityWalking)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rig.uc.ActiveSessionID() != session.ID {
		t.Errorf("active session = %q, want %q", rig.uc.ActiveSessionID(), session.ID)
	}

	if err := rig.uc.IngestReading(ctx, footReadingAt(rig.clock)); err != nil {
		t.Errorf("ingest while recording: %v", err)
	}
}

// --- Test: 停止冲掉未关闭的窗口 ---

func TestSessionUseCase_StopFlushesWindows(t *testing.T) {
	rig := newUCRig(t)
	ctx := context.Background()

	session, err := rig.uc.Create(ctx, "drill", entity.ActivityWalking)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rig.uc.IngestReading(ctx, footReadingAt(rig.clock.Add(50*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := rig.uc.Stop(ctx, session.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rig.uc.ActiveSessionID() != "" {
		t.Errorf("active session %q after stop", rig.uc.ActiveSessionID())
	}

	detail, err := rig.uc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.WindowCount != 1 {
		t.Errorf("window count = %d, want 1 flushed window", detail.WindowCount)
	}

	// 停止后的读数拒收
	if err := rig.uc.IngestReading(ctx, footReadingAt(rig.clock)); !apperrors.IsInvalidInput(err) {
		t.Errorf("ingest after stop = %v, want INVALID_INPUT", err)
	}
}

// --- Test: 删除活动会话先停后删 ---

func TestSessionUseCase_DeleteActiveSession(t *testing.T) {
	rig := newUCRig(t)
	ctx := context.Background()

	session, err := rig.uc.Create(ctx, "drill", entity.ActivityWalking)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rig.uc.IngestReading(ctx, footReadingAt(rig.clock.Add(50*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := rig.uc.Delete(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rig.uc.ActiveSessionID() != "" {
		t.Errorf("active session %q after delete", rig.uc.ActiveSessionID())
	}
	if _, err := rig.uc.Get(ctx, session.ID); !apperrors.IsNotFound(err) {
		t.Errorf("get deleted = %v, want NOT_FOUND", err)
	}
}

// --- Test: 更新校验 ---

func TestSessionUseCase_UpdateValidation(t *testing.T) {
	rig := newUCRig(t)
	ctx := context.Background()

	session, err := rig.uc.Create(ctx, "drill", entity.ActivityWalking)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	empty := ""
	if _, err := rig.uc.Update(ctx, session.ID, &empty, nil, nil); !apperrors.IsInvalidInput(err) {
		t.Errorf("empty name update = %v, want INVALID_INPUT", err)
	}

	bad := entity.ActivityType("flying")
	if _, err := rig.uc.Update(ctx, session.ID, nil, &bad, nil); !apperrors.IsInvalidInput(err) {
		t.Errorf("bad activity update = %v, want INVALID_INPUT", err)
	}

	badLabel := []WindowLabel{{WindowID: "w1", Label: "flying"}}
	if _, err := rig.uc.Update(ctx, session.ID, nil, nil, badLabel); !apperrors.IsInvalidInput(err) {
		t.Errorf("bad label update = %v, want INVALID_INPUT", err)
	}
}
