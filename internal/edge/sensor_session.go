package edge

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/parser"
	"github.com/pyrolink/pyrolink/internal/infrastructure/ble"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
	"github.com/pyrolink/pyrolink/pkg/safego"
)

// 连接状态
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateStreaming      = "streaming"
	StateFailed         = "failed"
)

const (
	connectAttemptWait = 10 * time.Second
	connectRetryGap    = 3 * time.Second
	controlWriteWait   = time.Second
)

// ReadingHandler 接收一条解析好的读数
type ReadingHandler func(r entity.Reading)

// StateHandler 接收状态迁移通知
type StateHandler func(device entity.Device, from, to string)

// SensorSession owns one BLE connection: reassembles notification
// fragments into frames, parses them, applies the throttle and hands
// well-formed readings to the supervisor. One instance per sensor.
type SensorSession struct {
	profile config.SensorProfile
	central ble.Central
	handler ReadingHandler
	onState StateHandler
	logger  *zap.Logger

	mu    sync.Mutex
	state string
	buf   []byte

	// throttle counter; checked before increment so the first valid
	// frame is always forwarded
	frameCount uint64

	malformed atomic.Uint64
	emitted   atomic.Uint64
}

// NewSensorSession 创建传感器会话
func NewSensorSession(profile config.SensorProfile, central ble.Central, handler ReadingHandler, onState StateHandler, logger *zap.Logger) *SensorSession {
	return &SensorSession{
		profile: profile,
		central: central,
		handler: handler,
		onState: onState,
		state:   StateDisconnected,
		logger:  logger.With(zap.String("sensor", string(profile.Role))),
	}
}

// State 当前连接状态
func (s *SensorSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats 坏帧数与已转发读数
func (s *SensorSession) Stats() (malformed, emitted uint64) {
	return s.malformed.Load(), s.emitted.Load()
}

func (s *SensorSession) setState(to string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to && s.onState != nil {
		s.onState(s.profile.Role, from, to)
	}
}

// Run drives the session until ctx is cancelled or the connect budget is
// exhausted. A peer drop inside Streaming costs one connect attempt and
// loops back to Connecting; exhaustion returns a Fatal error and the
// caller carries on without this sensor.
func (s *SensorSession) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		if attempts >= s.profile.MaxConnectAttempts {
			s.setState(StateFailed)
			return apperrors.NewFatal(
				fmt.Sprintf("sensor %s unreachable after %d attempts", s.profile.Address, attempts), nil)
		}
		if attempts > 0 {
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return nil
			case <-time.After(connectRetryGap):
			}
		}
		attempts++

		s.setState(StateConnecting)
		connectCtx, cancel := context.WithTimeout(ctx, connectAttemptWait)
		peripheral, err := s.central.Connect(connectCtx, s.profile)
		cancel()
		if err != nil {
			s.logger.Warn("Connect attempt failed",
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			continue
		}

		err = s.stream(ctx, peripheral)
		if ctx.Err() != nil {
			s.teardown(peripheral)
			s.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			s.logger.Warn("Streaming interrupted, reconnecting", zap.Error(err))
			peripheral.Disconnect()
			continue
		}
	}
}

// stream 完成鉴权 (start_command), 订阅通知, 维持保活, 直到断开
func (s *SensorSession) stream(ctx context.Context, p ble.Peripheral) error {
	if s.profile.StartCommand != "" {
		s.setState(StateAuthenticating)
		if err := s.timedWrite(p, []byte(s.profile.StartCommand)); err != nil {
			return err
		}
	}

	s.resetBuffer()
	if err := p.Subscribe(func(data []byte) {
		s.consume(data)
	}); err != nil {
		return err
	}
	s.setState(StateStreaming)
	s.logger.Info("Sensor streaming", zap.String("address", s.profile.Address))

	// 保活不能阻塞帧投递, 独立协程写
	keepAlive, err := s.profile.KeepAliveBytes()
	if err != nil {
		s.logger.Warn("Bad keep-alive config, skipping", zap.Error(err))
	}
	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()
	if len(keepAlive) > 0 && s.profile.KeepAlivePeriod > 0 {
		safego.Loop(kaCtx, s.logger, "keepalive", s.profile.KeepAlivePeriod, func(context.Context) {
			if err := s.timedWrite(p, keepAlive); err != nil {
				s.logger.Warn("Keep-alive write failed", zap.Error(err))
			}
		})
	}

	select {
	case <-ctx.Done():
		return nil
	case <-p.Disconnected():
		return apperrors.NewTransient("peer disconnected", nil)
	}
}

// teardown 尽力写停止命令并断开
func (s *SensorSession) teardown(p ble.Peripheral) {
	if s.profile.StopCommand != "" {
		if err := s.timedWrite(p, []byte(s.profile.StopCommand)); err != nil {
			s.logger.Debug("Stop command write failed", zap.Error(err))
		}
	}
	p.Disconnect()
}

// timedWrite 带 1s 限时的控制写. go-ble 的写没有 context, 用协程兜底.
func (s *SensorSession) timedWrite(p ble.Peripheral, data []byte) error {
	done := make(chan error, 1)
	safego.Go(s.logger, "ble-write", func() {
		done <- p.Write(data)
	})
	select {
	case err := <-done:
		return err
	case <-time.After(controlWriteWait):
		return apperrors.NewTransient("control write timed out", nil)
	}
}

func (s *SensorSession) resetBuffer() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// consume 追加通知字节并提取完整帧. 足压按换行切分;
// 九轴按 20 字节定长弹出, 帧头不匹配时丢一个字节重新对齐.
func (s *SensorSession) consume(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)

	var frames [][]byte
	if s.profile.Role.IsFoot() {
		for {
			i := bytes.IndexByte(s.buf, '\n')
			if i < 0 {
				break
			}
			frame := make([]byte, i+1)
			copy(frame, s.buf[:i+1])
			s.buf = s.buf[i+1:]
			frames = append(frames, frame)
		}
	} else {
		for len(s.buf) >= parser.AccelFrameLen {
			if s.buf[0] != parser.AccelHeader0 || s.buf[1] != parser.AccelHeader1 {
				s.buf = s.buf[1:]
				continue
			}
			frame := make([]byte, parser.AccelFrameLen)
			copy(frame, s.buf[:parser.AccelFrameLen])
			s.buf = s.buf[parser.AccelFrameLen:]
			frames = append(frames, frame)
		}
	}
	s.mu.Unlock()

	for _, frame := range frames {
		s.handleFrame(frame)
	}
}

// handleFrame 解析一帧并按节流比转发
func (s *SensorSession) handleFrame(frame []byte) {
	ts := time.Now().UTC()

	var reading entity.Reading
	var err error
	if s.profile.Role.IsFoot() {
		reading, err = parser.ParseFoot(ts, frame)
	} else {
		reading, err = parser.ParseAccel(ts, frame)
	}
	if err != nil {
		s.malformed.Add(1)
		s.logger.Debug("Malformed frame dropped", zap.Error(err))
		return
	}

	// 足压帧可能来自对侧前缀错误的设备, 以档案角色为准丢弃
	if fr, ok := reading.(*entity.FootReading); ok && fr.Device != s.profile.Role {
		s.malformed.Add(1)
		return
	}

	s.mu.Lock()
	k := s.frameCount
	s.frameCount++
	throttle := uint64(s.profile.Throttle)
	s.mu.Unlock()

	if throttle > 1 && k%throttle != 0 {
		return
	}
	s.emitted.Add(1)
	s.handler(reading)
}
