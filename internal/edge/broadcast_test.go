package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/wire"
)

// wsTestServer fakes the server side of the /iot channel.
type wsTestServer struct {
	*httptest.Server
	acceptKey string

	mu       sync.Mutex
	received []wire.Envelope
	conns    []*websocket.Conn
}

// closeConns closes the websocket connections the handler accepted.
// httptest.Server.CloseClientConnections cannot reach them because
// hijacked connections are forgotten by the server.
func (s *wsTestServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func newWSTestServer(t *testing.T, acceptKey string) *wsTestServer {
	t.Helper()
	s := &wsTestServer{acceptKey: acceptKey}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/iot" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		var req wire.AuthRequest
		_ = json.Unmarshal(env.Data, &req)
		if env.Event != wire.EventAuthenticate || req.DeviceKey != s.acceptKey {
			reply, _ := wire.NewEnvelope(wire.EventAuthError, wire.AuthResult{Message: "bad key"})
			_ = conn.WriteJSON(reply)
			return
		}
		reply, _ := wire.NewEnvelope(wire.EventAuthSuccess, wire.AuthResult{})
		if err := conn.WriteJSON(reply); err != nil {
			return
		}

		for {
			var data wire.Envelope
			if err := conn.ReadJSON(&data); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, data)
			s.mu.Unlock()
		}
	}))
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsTestServer) waitReceived(n int, timeout time.Duration) []wire.Envelope {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.received) >= n {
			out := make([]wire.Envelope, len(s.received))
			copy(out, s.received)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func waitConnected(b *Broadcaster, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Connected() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// --- Test: handshake then data flows ---

func TestBroadcaster_AuthAndEmit(t *testing.T) {
	srv := newWSTestServer(t, "key-1")
	defer srv.Close()

	b := NewBroadcaster(srv.wsURL(), "key-1", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	if !waitConnected(b, 2*time.Second) {
		t.Fatalf("broadcaster never authenticated")
	}

	reading := &entity.FootReading{
		Timestamp: time.Now().UTC(),
		Device:    entity.DeviceLeftFoot,
		Values:    make([]float64, entity.FootValueLen),
	}
	if !b.Emit(reading) {
		t.Fatalf("emit returned false while connected")
	}

	got := srv.waitReceived(1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("server received %d envelopes, want 1", len(got))
	}
	if got[0].Event != wire.EventFootPressure {
		t.Errorf("event = %s, want %s", got[0].Event, wire.EventFootPressure)
	}
	var payload wire.FootPressure
	if err := json.Unmarshal(got[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Data.Foot != "LEFT" {
		t.Errorf("foot = %s, want LEFT", payload.Data.Foot)
	}
}

// --- Test: emit before connect returns false ---

func TestBroadcaster_EmitDisconnected(t *testing.T) {
	b := NewBroadcaster("ws://127.0.0.1:0", "key-1", zap.NewNop())

	reading := &entity.AccelReading{Timestamp: time.Now().UTC(), Device: entity.DeviceAccelerometer}
	if b.Emit(reading) {
		t.Errorf("emit returned true without a connection")
	}
	if b.Connected() {
		t.Errorf("Connected() = true without a connection")
	}
}

// --- Test: authenticated connections reset the reconnect backoff ---

func TestBroadcaster_BackoffResetSignal(t *testing.T) {
	srv := newWSTestServer(t, "key-1")
	defer srv.Close()

	b := NewBroadcaster(srv.wsURL(), "key-1", zap.NewNop())
	ctx := context.Background()

	// 服务端中途关闭, 已鉴权的连接断开时必须报告 authed=true,
	// 重连循环据此把退避复位到最小值.
	done := make(chan struct{})
	var authed bool
	go func() {
		defer close(done)
		authed, _ = b.runConnection(ctx)
	}()
	if !waitConnected(b, 2*time.Second) {
		t.Fatalf("broadcaster never authenticated")
	}
	srv.closeConns()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runConnection did not return after server close")
	}
	if !authed {
		t.Errorf("authed = false for a connection that completed the handshake")
	}

	// 鉴权被拒时不复位退避.
	rejected := NewBroadcaster(srv.wsURL(), "wrong-key", zap.NewNop())
	if authed, _ := rejected.runConnection(ctx); authed {
		t.Errorf("authed = true for a rejected key")
	}
}

// --- Test: rejected key never reaches authed state ---

func TestBroadcaster_AuthRejected(t *testing.T) {
	srv := newWSTestServer(t, "right-key")
	defer srv.Close()

	b := NewBroadcaster(srv.wsURL(), "wrong-key", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	if waitConnected(b, 500*time.Millisecond) {
		t.Fatalf("broadcaster authenticated with a rejected key")
	}
}
