package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

var sessionStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// captureEmitter records emitted windows in order.
type captureEmitter struct {
	mu      sync.Mutex
	points  []string
	windows []entity.Window
}

func (c *captureEmitter) EmitWindow(ctx context.Context, pointID string, w entity.Window) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, pointID)
	c.windows = append(c.windows, w)
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func testSession(t *testing.T) *entity.Session {
	t.Helper()
	s, err := entity.NewSession("sess-1", "drill", entity.ActivityWalking, sessionStart)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func newEngine(t *testing.T) (*WindowingEngine, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	engine := NewWindowingEngine(WindowingConfig{Grace: 100 * time.Millisecond}, emitter, zap.NewNop())
	return engine, emitter
}

func footAt(device entity.Device, t time.Time) *entity.FootReading {
	return &entity.FootReading{
		Timestamp: t,
		Device:    device,
		Values:    make([]float64, entity.FootValueLen),
	}
}

func accelAt(t time.Time) *entity.AccelReading {
	return &entity.AccelReading{
		Timestamp: t,
		Device:    entity.DeviceAccelerometer,
	}
}

// --- Test: no session rejects ingest ---

func TestWindowing_NoSession(t *testing.T) {
	engine, _ := newEngine(t)
	err := engine.Ingest(context.Background(), footAt(entity.DeviceLeftFoot, sessionStart))
	if !apperrors.IsInvalidInput(err) {
		t.Errorf("got %v, want INVALID_INPUT", err)
	}
}

// --- Test: readings before session start rejected ---

func TestWindowing_PredatesSession(t *testing.T) {
	engine, _ := newEngine(t)
	engine.StartSession(testSession(t))

	err := engine.Ingest(context.Background(), footAt(entity.DeviceLeftFoot, sessionStart.Add(-time.Second)))
	if !apperrors.IsInvalidInput(err) {
		t.Errorf("got %v, want INVALID_INPUT", err)
	}
}

// --- Test: bucket boundary uses floor semantics ---

func TestWindowing_BucketBoundary(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	// A reading exactly on the 500ms boundary belongs to the second bucket.
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(499*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(500*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	engine.StopSession(ctx, "sess-1")

	if emitter.count() != 2 {
		t.Fatalf("emitted %d windows, want 2", emitter.count())
	}
	if !emitter.windows[0].StartTime.Equal(sessionStart) {
		t.Errorf("first window start = %v, want %v", emitter.windows[0].StartTime, sessionStart)
	}
	if !emitter.windows[1].StartTime.Equal(sessionStart.Add(500 * time.Millisecond)) {
		t.Errorf("second window start = %v, want %v",
			emitter.windows[1].StartTime, sessionStart.Add(500*time.Millisecond))
	}
}

// --- Test: duplicate (device, timestamp) dropped ---

func TestWindowing_Dedup(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	ts := sessionStart.Add(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, ts)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	// Same timestamp on a different device is not a duplicate.
	if err := engine.Ingest(ctx, footAt(entity.DeviceRightFoot, ts)); err != nil {
		t.Fatalf("ingest right: %v", err)
	}

	engine.StopSession(ctx, "sess-1")

	if emitter.count() != 1 {
		t.Fatalf("emitted %d windows, want 1", emitter.count())
	}
	if emitter.windows[0].FootCount != 2 {
		t.Errorf("foot_count = %d, want 2", emitter.windows[0].FootCount)
	}
	if _, _, dups := engine.Stats(); dups != 2 {
		t.Errorf("dup drops = %d, want 2", dups)
	}
}

// --- Test: monotonic close on later bucket ---

func TestWindowing_MonotonicClose(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	// Fill bucket 0, then jump two buckets ahead; bucket 0's end (+grace)
	// is well before bucket 2's start, so it closes immediately.
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(50*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := engine.Ingest(ctx, accelAt(sessionStart.Add(1100*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if emitter.count() != 1 {
		t.Fatalf("emitted %d windows after monotonic trigger, want 1", emitter.count())
	}
	if !emitter.windows[0].StartTime.Equal(sessionStart) {
		t.Errorf("closed window start = %v, want %v", emitter.windows[0].StartTime, sessionStart)
	}

	// A straggler for the closed bucket is dropped and counted.
	if err := engine.Ingest(ctx, footAt(entity.DeviceRightFoot, sessionStart.Add(60*time.Millisecond))); err != nil {
		t.Fatalf("late ingest: %v", err)
	}
	if _, late, _ := engine.Stats(); late != 1 {
		t.Errorf("late drops = %d, want 1", late)
	}
	if emitter.count() != 1 {
		t.Errorf("late reading must not reopen the bucket")
	}
}

// --- Test: sensor skew backfills an earlier, never-opened bucket ---

func TestWindowing_SensorSkewBackfill(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	// The accelerometer runs ahead: its first reading opens the second
	// bucket before the slower insole delivers one for the first. The
	// first bucket was never opened, so it must still accumulate.
	if err := engine.Ingest(ctx, accelAt(sessionStart.Add(501*time.Millisecond))); err != nil {
		t.Fatalf("ingest accel: %v", err)
	}
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(499*time.Millisecond))); err != nil {
		t.Fatalf("ingest foot: %v", err)
	}

	engine.StopSession(ctx, "sess-1")

	if emitter.count() != 2 {
		t.Fatalf("emitted %d windows, want 2", emitter.count())
	}
	if !emitter.windows[0].StartTime.Equal(sessionStart) {
		t.Errorf("first window start = %v, want %v", emitter.windows[0].StartTime, sessionStart)
	}
	if emitter.windows[0].FootCount != 1 {
		t.Errorf("backfilled window foot_count = %d, want 1", emitter.windows[0].FootCount)
	}
	if _, late, _ := engine.Stats(); late != 0 {
		t.Errorf("late drops = %d, want 0", late)
	}
}

// --- Test: sweep closes idle buckets after grace ---

func TestWindowing_Sweep(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(20*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Clock just before end+grace: bucket stays open.
	engine.SetClock(func() time.Time { return sessionStart.Add(550 * time.Millisecond) })
	engine.Sweep(ctx)
	if emitter.count() != 0 {
		t.Fatalf("bucket closed before grace elapsed")
	}

	// Clock past end+grace: bucket closes.
	engine.SetClock(func() time.Time { return sessionStart.Add(601 * time.Millisecond) })
	engine.Sweep(ctx)
	if emitter.count() != 1 {
		t.Fatalf("emitted %d windows after sweep, want 1", emitter.count())
	}

	// A straggler for the swept bucket is dropped, not reopened.
	if err := engine.Ingest(ctx, footAt(entity.DeviceRightFoot, sessionStart.Add(30*time.Millisecond))); err != nil {
		t.Fatalf("straggler ingest: %v", err)
	}
	engine.StopSession(ctx, "sess-1")
	if emitter.count() != 1 {
		t.Errorf("emitted %d windows, want 1: swept bucket must stay closed", emitter.count())
	}
	if _, late, _ := engine.Stats(); late != 1 {
		t.Errorf("late drops = %d, want 1", late)
	}
}

// --- Test: stop flushes all open buckets in order ---

func TestWindowing_StopFlush(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	// Two buckets 100ms apart so neither closes monotonically.
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(50*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(550*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	engine.StopSession(ctx, "sess-1")

	if emitter.count() != 2 {
		t.Fatalf("emitted %d windows on stop, want 2", emitter.count())
	}
	if !emitter.windows[0].StartTime.Before(emitter.windows[1].StartTime) {
		t.Errorf("windows emitted out of order")
	}
	if engine.ActiveSessionID() != "" {
		t.Errorf("session still bound after stop")
	}

	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(time.Second))); !apperrors.IsInvalidInput(err) {
		t.Errorf("ingest after stop: got %v, want INVALID_INPUT", err)
	}
}

// --- Test: stable point id per (session, bucket) ---

func TestWindowing_DeterministicPointID(t *testing.T) {
	run := func() string {
		engine, emitter := newEngine(t)
		engine.StartSession(testSession(t))
		ctx := context.Background()
		if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(50*time.Millisecond))); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		engine.StopSession(ctx, "sess-1")
		if len(emitter.points) != 1 {
			t.Fatalf("got %d points, want 1", len(emitter.points))
		}
		return emitter.points[0]
	}

	first := run()
	second := run()
	if first != second {
		t.Errorf("point id not stable across replays: %s vs %s", first, second)
	}
	if first != entity.PointID("sess-1", sessionStart) {
		t.Errorf("point id %s does not match entity.PointID", first)
	}
}

// --- Test: empty buckets are never emitted ---

func TestWindowing_EmptyBucketSkipped(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))

	engine.StopSession(context.Background(), "sess-1")
	if emitter.count() != 0 {
		t.Errorf("emitted %d windows from an empty session, want 0", emitter.count())
	}
}

// --- Test: window carries session label and counts ---

func TestWindowing_WindowMetadata(t *testing.T) {
	engine, emitter := newEngine(t)
	engine.StartSession(testSession(t))
	ctx := context.Background()

	if err := engine.Ingest(ctx, footAt(entity.DeviceLeftFoot, sessionStart.Add(10*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := engine.Ingest(ctx, accelAt(sessionStart.Add(20*time.Millisecond))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	engine.StopSession(ctx, "sess-1")

	if emitter.count() != 1 {
		t.Fatalf("emitted %d windows, want 1", emitter.count())
	}
	w := emitter.windows[0]
	if w.SessionID != "sess-1" {
		t.Errorf("session_id = %s, want sess-1", w.SessionID)
	}
	if w.Label != entity.ActivityWalking {
		t.Errorf("label = %s, want %s", w.Label, entity.ActivityWalking)
	}
	if w.FootCount != 1 || w.AccelCount != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", w.FootCount, w.AccelCount)
	}
	if len(w.Vector) != entity.VectorDim {
		t.Errorf("vector dim = %d, want %d", len(w.Vector), entity.VectorDim)
	}
	if !w.EndTime.Equal(w.StartTime.Add(entity.WindowDuration)) {
		t.Errorf("end_time = %v, want start+%v", w.EndTime, entity.WindowDuration)
	}
}
