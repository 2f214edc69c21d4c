package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源 (生产环境应限制)
	},
}

// Ingestor 消费一条已鉴权连接送来的读数
type Ingestor interface {
	IngestReading(ctx context.Context, r entity.Reading) error
}

// Authenticator 校验边缘端设备密钥
type Authenticator func(deviceKey string) bool

// Client 一条边缘端连接
type Client struct {
	ID            string
	RemoteAddr    string
	authenticated bool // 只在 readPump 协程里读写
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	logger        *zap.Logger
}

// Hub 边缘端连接中心 (/iot)
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	authenticate Authenticator
	ingestor     Ingestor

	onClientChange func(delta int64)
}

// NewHub 创建连接中心
func NewHub(authenticate Authenticator, ingestor Ingestor, logger *zap.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		logger:       logger,
		authenticate: authenticate,
		ingestor:     ingestor,
	}
}

// OnClientChange 注册连接数变化回调 (指标用)
func (h *Hub) OnClientChange(fn func(delta int64)) {
	h.onClientChange = fn
}

// Run 运行连接中心
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			if h.onClientChange != nil {
				h.onClientChange(1)
			}
			h.logger.Info("Edge client connected",
				zap.String("client_id", client.ID),
				zap.String("remote", client.RemoteAddr),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			if h.onClientChange != nil {
				h.onClientChange(-1)
			}
			h.logger.Info("Edge client disconnected",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// GetClientCount 获取客户端数量
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler WebSocket 处理器
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeWS 处理 /iot 连接
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:         r.RemoteAddr + "_" + time.Now().Format("20060102150405.000"),
		RemoteAddr: r.RemoteAddr,
		conn:       conn,
		send:       make(chan []byte, 256),
		hub:        h.hub,
		logger:     h.logger,
	}

	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump 读取消息. 鉴权事件必须先于任何数据事件.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var env wire.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Error("Failed to parse envelope", zap.Error(err))
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env wire.Envelope) {
	switch env.Event {
	case wire.EventAuthenticate:
		var req wire.AuthRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || !c.hub.authenticate(req.DeviceKey) {
			c.reply(wire.EventAuthError, wire.AuthResult{Message: "invalid device key"})
			c.logger.Warn("Authentication rejected", zap.String("remote", c.RemoteAddr))
			return
		}
		c.authenticated = true
		c.reply(wire.EventAuthSuccess, wire.AuthResult{})
		c.logger.Info("Edge client authenticated", zap.String("remote", c.RemoteAddr))

	case wire.EventFootPressure:
		if !c.requireAuth() {
			return
		}
		var payload wire.FootPressure
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("Bad foot payload", zap.Error(err))
			return
		}
		reading, err := payload.ToFootReading()
		if err != nil {
			c.logger.Warn("Malformed foot reading", zap.Error(err))
			return
		}
		c.ingest(reading)

	case wire.EventAccelerometer:
		if !c.requireAuth() {
			return
		}
		var payload wire.Accelerometer
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("Bad accel payload", zap.Error(err))
			return
		}
		reading, err := payload.ToAccelReading()
		if err != nil {
			c.logger.Warn("Malformed accel reading", zap.Error(err))
			return
		}
		c.ingest(reading)

	default:
		c.logger.Debug("Unknown event ignored", zap.String("event", env.Event))
	}
}

func (c *Client) requireAuth() bool {
	if !c.authenticated {
		c.reply(wire.EventAuthError, wire.AuthResult{Message: "authenticate first"})
		return false
	}
	return true
}

func (c *Client) ingest(r entity.Reading) {
	if err := c.hub.ingestor.IngestReading(context.Background(), r); err != nil {
		// 无活动会话或迟到读数属于正常丢弃, 只记 debug
		c.logger.Debug("Reading not consumed",
			zap.String("device", string(r.ReadingDevice())),
			zap.Error(err),
		)
	}
}

func (c *Client) reply(event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
