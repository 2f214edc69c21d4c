package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/wire"
)

type fakeIngestor struct {
	mu       sync.Mutex
	readings []entity.Reading
}

func (f *fakeIngestor) IngestReading(_ context.Context, r entity.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeIngestor) wait(n int, timeout time.Duration) []entity.Reading {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.readings) >= n {
			out := make([]entity.Reading, len(f.readings))
			copy(out, f.readings)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.Reading, len(f.readings))
	copy(out, f.readings)
	return out
}

// iotTestRig 搭一个真实的 /iot 端点供客户端拨入
type iotTestRig struct {
	srv      *httptest.Server
	hub      *Hub
	ingestor *fakeIngestor
	cancel   context.CancelFunc
}

func newIotTestRig(t *testing.T, accept Authenticator) *iotTestRig {
	t.Helper()
	ingestor := &fakeIngestor{}
	hub := NewHub(accept, ingestor, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handler := NewHandler(hub, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	rig := &iotTestRig{srv: srv, hub: hub, ingestor: ingestor, cancel: cancel}
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return rig
}

func (r *iotTestRig) dial(t *testing.T) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *gorilla.Conn, event string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *gorilla.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func sampleFootPayload() wire.FootPressure {
	values := make([]float64, entity.FootValueLen)
	values[0] = 2.5
	return wire.FootPressure{
		Timestamp: entity.FormatTimestamp(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)),
		Device:    string(entity.DeviceLeftFoot),
		Data: wire.FootData{
			Foot:        "LEFT",
			Max:         2.5,
			Avg:         0.14,
			ActiveCount: 1,
			Values:      values,
		},
	}
}

func sampleAccelPayload() wire.Accelerometer {
	return wire.Accelerometer{
		Timestamp: entity.FormatTimestamp(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)),
		Device:    string(entity.DeviceAccelerometer),
		Data: wire.AccelData{
			Acc:  wire.XYZ{X: 1.0, Y: 0, Z: 9.8},
			Gyro: wire.XYZ{X: 0.5},
			Angle: wire.RPY{
				Roll: 12.5,
			},
		},
	}
}

// --- Test: 鉴权握手 ---

func TestHub_Authenticate(t *testing.T) {
	rig := newIotTestRig(t, func(key string) bool { return key == "secret" })
	conn := rig.dial(t)

	sendEnvelope(t, conn, wire.EventAuthenticate, wire.AuthRequest{DeviceKey: "secret"})
	reply := readEnvelope(t, conn)
	if reply.Event != wire.EventAuthSuccess {
		t.Fatalf("reply event = %s, want %s", reply.Event, wire.EventAuthSuccess)
	}
}

func TestHub_AuthenticateRejected(t *testing.T) {
	rig := newIotTestRig(t, func(key string) bool { return key == "secret" })
	conn := rig.dial(t)

	sendEnvelope(t, conn, wire.EventAuthenticate, wire.AuthRequest{DeviceKey: "wrong"})
	reply := readEnvelope(t, conn)
	if reply.Event != wire.EventAuthError {
		t.Fatalf("reply event = %s, want %s", reply.Event, wire.EventAuthError)
	}
	var result wire.AuthResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Message == "" {
		t.Errorf("auth_error carries no message")
	}
}

// --- Test: 未鉴权连接不得上报数据 ---

func TestHub_DataBeforeAuthRejected(t *testing.T) {
	rig := newIotTestRig(t, func(string) bool { return true })
	conn := rig.dial(t)

	sendEnvelope(t, conn, wire.EventFootPressure, sampleFootPayload())
	reply := readEnvelope(t, conn)
	if reply.Event != wire.EventAuthError {
		t.Fatalf("reply event = %s, want %s", reply.Event, wire.EventAuthError)
	}
	if got := rig.ingestor.wait(1, 200*time.Millisecond); len(got) != 0 {
		t.Errorf("ingestor received %d readings before auth, want 0", len(got))
	}
}

// --- Test: 数据事件转发到 Ingestor ---

func TestHub_IngestReadings(t *testing.T) {
	rig := newIotTestRig(t, func(string) bool { return true })
	conn := rig.dial(t)

	sendEnvelope(t, conn, wire.EventAuthenticate, wire.AuthRequest{DeviceKey: "k"})
	if reply := readEnvelope(t, conn); reply.Event != wire.EventAuthSuccess {
		t.Fatalf("auth failed: %s", reply.Event)
	}

	sendEnvelope(t, conn, wire.EventFootPressure, sampleFootPayload())
	sendEnvelope(t, conn, wire.EventAccelerometer, sampleAccelPayload())

	got := rig.ingestor.wait(2, 2*time.Second)
	if len(got) != 2 {
		t.Fatalf("ingested %d readings, want 2", len(got))
	}
	foot, ok := got[0].(*entity.FootReading)
	if !ok {
		t.Fatalf("first reading is %T, want *entity.FootReading", got[0])
	}
	if foot.Device != entity.DeviceLeftFoot || foot.Values[0] != 2.5 {
		t.Errorf("foot reading mismatch: device=%s values[0]=%v", foot.Device, foot.Values[0])
	}
	accel, ok := got[1].(*entity.AccelReading)
	if !ok {
		t.Fatalf("second reading is %T, want *entity.AccelReading", got[1])
	}
	if accel.Acc.Z != 9.8 || accel.Angle.Roll != 12.5 {
		t.Errorf("accel reading mismatch: acc.z=%v roll=%v", accel.Acc.Z, accel.Angle.Roll)
	}
}

// --- Test: 坏载荷丢弃, 连接保持 ---

func TestHub_MalformedPayloadDropped(t *testing.T) {
	rig := newIotTestRig(t, func(string) bool { return true })
	conn := rig.dial(t)

	sendEnvelope(t, conn, wire.EventAuthenticate, wire.AuthRequest{DeviceKey: "k"})
	readEnvelope(t, conn)

	bad := sampleFootPayload()
	bad.Data.Values = bad.Data.Values[:4]
	sendEnvelope(t, conn, wire.EventFootPressure, bad)

	// 随后正常帧仍应被消费
	sendEnvelope(t, conn, wire.EventFootPressure, sampleFootPayload())
	got := rig.ingestor.wait(1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("ingested %d readings, want 1", len(got))
	}
}

// --- Test: 连接计数 ---

func TestHub_ClientCount(t *testing.T) {
	rig := newIotTestRig(t, func(string) bool { return true })

	var delta int64
	var mu sync.Mutex
	rig.hub.OnClientChange(func(d int64) {
		mu.Lock()
		delta += d
		mu.Unlock()
	})

	conn := rig.dial(t)
	waitCount := func(want int) bool {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if rig.hub.GetClientCount() == want {
				return true
			}
			time.Sleep(10 * time.Millisecond)
		}
		return false
	}
	if !waitCount(1) {
		t.Fatalf("client count = %d, want 1", rig.hub.GetClientCount())
	}

	conn.Close()
	if !waitCount(0) {
		t.Fatalf("client count = %d after close, want 0", rig.hub.GetClientCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if delta != 0 {
		t.Errorf("client delta = %d, want 0", delta)
	}
}
