package edge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/wire"
	"github.com/pyrolink/pyrolink/pkg/safego"
)

const (
	broadcastBackoffMin = 5 * time.Second
	broadcastBackoffMax = 60 * time.Second
	broadcastWriteWait  = 5 * time.Second
	authWait            = 10 * time.Second
)

// Transmitter 上行投递抽象 (Broadcaster 和测试桩都实现它)
type Transmitter interface {
	// Emit 尝试投递一条读数. 返回 true 表示已交给传输层,
	// false 表示当前断连或未鉴权, 读数未投递.
	Emit(r entity.Reading) bool
}

// Broadcaster 与服务端总线的长连接. 不缓冲读数, 只做尽力而为的直通;
// 投递保证由本地库加重发器兜底.
type Broadcaster struct {
	serverURL string
	deviceKey string
	logger    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	authed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroadcaster 创建广播客户端. serverURL 形如 ws://host:port, 自动拼接 /iot.
func NewBroadcaster(serverURL, deviceKey string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		serverURL: serverURL + "/iot",
		deviceKey: deviceKey,
		logger:    logger,
	}
}

// Start 启动连接循环: 断线后从 5s 起指数退避重连, 上限 60s, 成功后复位
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	safego.Go(b.logger, "broadcaster", func() {
		defer close(b.done)
		backoff := broadcastBackoffMin
		for {
			if ctx.Err() != nil {
				return
			}
			authed, err := b.runConnection(ctx)
			if authed {
				// 稳定连接后的下一次断线从最小退避重新开始
				backoff = broadcastBackoffMin
			}
			if err != nil {
				b.logger.Warn("Broadcast connection lost",
					zap.Error(err),
					zap.Duration("retry_in", backoff),
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > broadcastBackoffMax {
				backoff = broadcastBackoffMax
			}
		}
	})
}

// Stop 关闭连接并停止重连
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.dropConn()
	if b.done != nil {
		<-b.done
	}
}

// Emit 非阻塞投递. 断连或未鉴权时静默返回 false.
func (b *Broadcaster) Emit(r entity.Reading) bool {
	b.mu.Lock()
	conn, authed := b.conn, b.authed
	b.mu.Unlock()
	if conn == nil || !authed {
		return false
	}

	event, payload, err := wire.FromReading(r)
	if err != nil {
		b.logger.Error("Failed to encode reading", zap.Error(err))
		return false
	}
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		b.logger.Error("Failed to build envelope", zap.Error(err))
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.authed {
		return false
	}
	b.conn.SetWriteDeadline(time.Now().Add(broadcastWriteWait))
	if err := b.conn.WriteJSON(env); err != nil {
		b.logger.Warn("Broadcast write failed", zap.Error(err))
		b.dropConnLocked()
		return false
	}
	return true
}

// Connected 当前是否在线且已鉴权
func (b *Broadcaster) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.authed
}

// runConnection 拨号, 鉴权, 然后读循环直到连接断开.
// 返回值标记本次连接是否完成过鉴权.
func (b *Broadcaster) runConnection(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.serverURL, nil)
	if err != nil {
		return false, err
	}

	// 鉴权必须先于任何数据
	auth, err := wire.NewEnvelope(wire.EventAuthenticate, wire.AuthRequest{DeviceKey: b.deviceKey})
	if err != nil {
		conn.Close()
		return false, err
	}
	conn.SetWriteDeadline(time.Now().Add(broadcastWriteWait))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return false, err
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return false, err
	}
	if reply.Event != wire.EventAuthSuccess {
		conn.Close()
		var res wire.AuthResult
		_ = json.Unmarshal(reply.Data, &res)
		b.logger.Error("Broadcast authentication rejected", zap.String("message", res.Message))
		return false, errAuthRejected
	}

	b.mu.Lock()
	b.conn = conn
	b.authed = true
	b.mu.Unlock()
	b.logger.Info("Broadcast channel established", zap.String("url", b.serverURL))

	// 读循环只为感知断连; 服务端不会推送数据帧
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.dropConn()
			return true, err
		}
	}
}

func (b *Broadcaster) dropConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropConnLocked()
}

func (b *Broadcaster) dropConnLocked() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.authed = false
}
