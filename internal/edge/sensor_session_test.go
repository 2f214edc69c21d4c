package edge

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/parser"
	"github.com/pyrolink/pyrolink/internal/infrastructure/ble"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// fakePeripheral is an in-process stand-in for a connected sensor.
type fakePeripheral struct {
	mu           sync.Mutex
	notify       func([]byte)
	writes       [][]byte
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{disconnected: make(chan struct{})}
}

func (p *fakePeripheral) Subscribe(handler func([]byte)) error {
	p.mu.Lock()
	p.notify = handler
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Write(data []byte) error {
	p.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, cp)
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *fakePeripheral) Disconnect() error {
	p.closeOnce.Do(func() { close(p.disconnected) })
	return nil
}

func (p *fakePeripheral) push(data []byte) {
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify(data)
	}
}

func (p *fakePeripheral) writtenStrings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

// fakeCentral hands out peripherals, or fails every connect.
type fakeCentral struct {
	mu         sync.Mutex
	peripheral *fakePeripheral
	failAll    bool
	attempts   int
}

func (c *fakeCentral) Connect(ctx context.Context, profile config.SensorProfile) (ble.Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failAll {
		return nil, apperrors.NewTransient("no adapter", nil)
	}
	return c.peripheral, nil
}

func (c *fakeCentral) Stop() error { return nil }

// readingCollector gathers forwarded readings.
type readingCollector struct {
	mu       sync.Mutex
	readings []entity.Reading
}

func (c *readingCollector) handler() ReadingHandler {
	return func(r entity.Reading) {
		c.mu.Lock()
		c.readings = append(c.readings, r)
		c.mu.Unlock()
	}
}

func (c *readingCollector) wait(n int, timeout time.Duration) []entity.Reading {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.readings) >= n {
			out := make([]entity.Reading, len(c.readings))
			copy(out, c.readings)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entity.Reading, len(c.readings))
	copy(out, c.readings)
	return out
}

func footProfile(throttle int) config.SensorProfile {
	return config.SensorProfile{
		Role:               entity.DeviceLeftFoot,
		Address:            "aa:bb:cc:dd:ee:01",
		Throttle:           throttle,
		MaxConnectAttempts: 5,
		StartCommand:       "begin",
		StopCommand:        "end",
	}
}

func accelProfile() config.SensorProfile {
	return config.SensorProfile{
		Role:               entity.DeviceAccelerometer,
		Address:            "aa:bb:cc:dd:ee:03",
		Throttle:           1,
		MaxConnectAttempts: 5,
	}
}

func leftFrame() []byte {
	fields := make([]string, 24)
	for i := range fields {
		fields[i] = "1.0"
	}
	return []byte("L_[" + strings.Join(fields, ",") + "]\n")
}

func rawAccelFrame() []byte {
	frame := make([]byte, parser.AccelFrameLen)
	frame[0] = parser.AccelHeader0
	frame[1] = parser.AccelHeader1
	for i := 0; i < 9; i++ {
		binary.LittleEndian.PutUint16(frame[2+2*i:], 0x4000)
	}
	return frame
}

// --- Test: foot frames reassembled across notification boundaries ---

func TestSensorSession_FootFragmentation(t *testing.T) {
	collector := &readingCollector{}
	session := NewSensorSession(footProfile(1), &fakeCentral{}, collector.handler(), nil, zap.NewNop())

	frame := leftFrame()
	// Two frames delivered in three uneven chunks.
	both := append(append([]byte{}, frame...), frame...)
	session.consume(both[:30])
	session.consume(both[30 : len(frame)+10])
	session.consume(both[len(frame)+10:])

	readings := collector.wait(2, time.Second)
	if len(readings) != 2 {
		t.Fatalf("forwarded %d readings, want 2", len(readings))
	}
	for _, r := range readings {
		if r.ReadingDevice() != entity.DeviceLeftFoot {
			t.Errorf("device = %s, want %s", r.ReadingDevice(), entity.DeviceLeftFoot)
		}
	}
}

// --- Test: accel frames pop at fixed length with 1-byte resync ---

func TestSensorSession_AccelResync(t *testing.T) {
	collector := &readingCollector{}
	session := NewSensorSession(accelProfile(), &fakeCentral{}, collector.handler(), nil, zap.NewNop())

	frame := rawAccelFrame()
	// Garbage prefix forces the resync path, then two clean frames split
	// mid-frame.
	stream := append([]byte{0x00, 0x55, 0x00}, frame...)
	stream = append(stream, frame...)
	session.consume(stream[:25])
	session.consume(stream[25:])

	readings := collector.wait(2, time.Second)
	if len(readings) != 2 {
		t.Fatalf("forwarded %d readings, want 2", len(readings))
	}
	acc := readings[0].(*entity.AccelReading)
	if acc.Acc.X != 8.0 {
		t.Errorf("acc.x = %v, want 8.0", acc.Acc.X)
	}
}

// --- Test: throttle forwards the first frame then every Nth ---

func TestSensorSession_Throttle(t *testing.T) {
	collector := &readingCollector{}
	session := NewSensorSession(footProfile(50), &fakeCentral{}, collector.handler(), nil, zap.NewNop())

	frame := leftFrame()
	for i := 0; i < 100; i++ {
		session.consume(frame)
	}

	readings := collector.wait(2, time.Second)
	if len(readings) != 2 {
		t.Errorf("forwarded %d readings at throttle 50 over 100 frames, want 2", len(readings))
	}
}

// --- Test: malformed and wrong-side frames dropped ---

func TestSensorSession_DropsBadFrames(t *testing.T) {
	collector := &readingCollector{}
	session := NewSensorSession(footProfile(1), &fakeCentral{}, collector.handler(), nil, zap.NewNop())

	session.consume([]byte("garbage\n"))
	// Right-foot prefix on the left-foot connection.
	right := leftFrame()
	right[0] = 'R'
	session.consume(right)
	session.consume(leftFrame())

	readings := collector.wait(1, time.Second)
	if len(readings) != 1 {
		t.Fatalf("forwarded %d readings, want 1", len(readings))
	}
	if malformed, _ := session.Stats(); malformed != 2 {
		t.Errorf("malformed = %d, want 2", malformed)
	}
}

// --- Test: full run path with a fake peripheral ---

func TestSensorSession_RunStream(t *testing.T) {
	peripheral := newFakePeripheral()
	central := &fakeCentral{peripheral: peripheral}
	collector := &readingCollector{}

	var states []string
	var stateMu sync.Mutex
	onState := func(device entity.Device, from, to string) {
		stateMu.Lock()
		states = append(states, fmt.Sprintf("%s->%s", from, to))
		stateMu.Unlock()
	}

	session := NewSensorSession(footProfile(1), central, collector.handler(), onState, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	// Wait for streaming, feed one frame, then shut down.
	deadline := time.Now().Add(2 * time.Second)
	for session.State() != StateStreaming && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if session.State() != StateStreaming {
		t.Fatalf("session never reached streaming, state = %s", session.State())
	}
	peripheral.push(leftFrame())
	if got := collector.wait(1, time.Second); len(got) != 1 {
		t.Fatalf("forwarded %d readings, want 1", len(got))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	// Start command first, stop command during teardown.
	writes := peripheral.writtenStrings()
	if len(writes) < 2 || writes[0] != "begin" || writes[len(writes)-1] != "end" {
		t.Errorf("control writes = %v, want begin ... end", writes)
	}
	if session.State() != StateDisconnected {
		t.Errorf("final state = %s, want %s", session.State(), StateDisconnected)
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	if len(states) == 0 {
		t.Errorf("no state transitions reported")
	}
}

// --- Test: connect budget exhaustion is fatal ---

func TestSensorSession_ConnectBudget(t *testing.T) {
	central := &fakeCentral{failAll: true}
	profile := footProfile(1)
	profile.MaxConnectAttempts = 1

	session := NewSensorSession(profile, central, func(entity.Reading) {}, nil, zap.NewNop())
	err := session.Run(context.Background())
	if !apperrors.IsFatal(err) {
		t.Fatalf("got %v, want FATAL", err)
	}
	if central.attempts != 1 {
		t.Errorf("attempts = %d, want 1", central.attempts)
	}
	if session.State() != StateFailed {
		t.Errorf("state = %s, want %s", session.State(), StateFailed)
	}
}
