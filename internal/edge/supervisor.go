package edge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/infrastructure/ble"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
	"github.com/pyrolink/pyrolink/internal/infrastructure/monitoring"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
	"github.com/pyrolink/pyrolink/pkg/safego"
)

// connectOrder 共享 BLE 栈不能并行建链, 按优先级串行拉起
var connectOrder = []entity.Device{
	entity.DeviceLeftFoot,
	entity.DeviceRightFoot,
	entity.DeviceAccelerometer,
}

// Supervisor 边缘端总控: 拉起广播通道, 按序拉起传感器会话,
// 安装 "先落库再广播" 的扇出回调, 并托管两个重发器.
type Supervisor struct {
	cfg       config.EdgeConfig
	profiles  *config.ProfileStore
	central   ble.Central
	store     repository.ReadingLog
	broadcast *Broadcaster
	bus       eventbus.Bus
	monitor   *monitoring.Monitor
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[entity.Device]*SensorSession

	senders []*RetrySender
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewSupervisor 组装边缘端
func NewSupervisor(
	cfg config.EdgeConfig,
	profiles *config.ProfileStore,
	central ble.Central,
	store repository.ReadingLog,
	broadcast *Broadcaster,
	bus eventbus.Bus,
	monitor *monitoring.Monitor,
	logger *zap.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		profiles:  profiles,
		central:   central,
		store:     store,
		broadcast: broadcast,
		bus:       bus,
		monitor:   monitor,
		logger:    logger,
		sessions:  make(map[entity.Device]*SensorSession),
	}
	for _, kind := range []repository.ReadingKind{repository.KindFoot, repository.KindAccel} {
		s.senders = append(s.senders, NewRetrySender(kind, store, broadcast, cfg.Retry, logger))
	}
	return s
}

// Start 启动全部任务并返回; 各任务由内部协程驱动
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.broadcast.Start(ctx)

	for _, sender := range s.senders {
		sender := sender
		s.wg.Add(1)
		safego.Go(s.logger, "retry-sender", func() {
			defer s.wg.Done()
			sender.Run(ctx)
		})
	}

	// 未发送积压定期上报
	safego.Loop(ctx, s.logger, "backlog-gauge", 10*time.Second, func(ctx context.Context) {
		var total int64
		for _, sender := range s.senders {
			n, err := sender.Backlog(ctx)
			if err != nil {
				return
			}
			total += n
		}
		s.monitor.SetUnsentBacklog(total)
	})

	s.wg.Add(1)
	safego.Go(s.logger, "sensor-bringup", func() {
		defer s.wg.Done()
		s.bringUpSensors(ctx)
	})
	return nil
}

// Stop 取消全部任务并等待收尾
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.broadcast.Stop()
	s.logger.Info("Edge supervisor stopped")
}

// SessionStates 各传感器当前状态 (状态接口用)
func (s *Supervisor) SessionStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sessions))
	for device, session := range s.sessions {
		out[string(device)] = session.State()
	}
	return out
}

// bringUpSensors 按优先级逐个拉起, 相邻两次建链间隔 connect_gap
func (s *Supervisor) bringUpSensors(ctx context.Context) {
	first := true
	for _, device := range connectOrder {
		profile, ok := s.profiles.Profile(device)
		if !ok {
			s.logger.Info("No profile for sensor, skipping", zap.String("device", string(device)))
			continue
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ConnectGap):
			}
		}
		first = false

		session := NewSensorSession(profile, s.central, s.fanOut, s.publishState, s.logger)
		s.mu.Lock()
		s.sessions[device] = session
		s.mu.Unlock()

		device := device
		s.wg.Add(1)
		safego.Go(s.logger, "sensor-session", func() {
			defer s.wg.Done()
			if err := session.Run(ctx); err != nil {
				// 单传感器报废不拖累其余传感器
				if apperrors.IsFatal(err) {
					s.logger.Error("Sensor gave up", zap.String("device", string(device)), zap.Error(err))
				} else {
					s.logger.Error("Sensor session error", zap.String("device", string(device)), zap.Error(err))
				}
			}
		})
	}
}

// fanOut 每条读数: 先同步落库, 再尽力广播. 两步互相独立,
// 广播失败不会撤销已落库的行.
func (s *Supervisor) fanOut(r entity.Reading) {
	ctx := context.Background()

	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeReadingReceived, eventbus.ReadingReceivedPayload{
		Device:    r.ReadingDevice(),
		Timestamp: r.ReadingTimestamp(),
	}))

	if err := s.store.Save(ctx, r); err != nil {
		s.logger.Error("Failed to persist reading",
			zap.String("device", string(r.ReadingDevice())),
			zap.Error(err),
		)
		// 落库失败仍尝试直播, 这条读数只有一次送达机会
	} else {
		s.monitor.IncReadingSaved()
	}

	s.broadcast.Emit(r)
}

func (s *Supervisor) publishState(device entity.Device, from, to string) {
	s.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeSensorState, eventbus.SensorStatePayload{
		Device:    device,
		FromState: from,
		ToState:   to,
	}))
}
