package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/domain/service"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// WindowLabel 单个窗口的标注
type WindowLabel struct {
	WindowID string              `json:"window_id"`
	Label    entity.ActivityType `json:"label"`
}

// SessionDetail 会话详情 (含窗口统计)
type SessionDetail struct {
	Session     *entity.Session `json:"session"`
	WindowCount int             `json:"window_count"`
}

// SessionUseCase 会话生命周期与查询的应用服务.
// 所有状态变更都同时驱动会话登记表, 窗口引擎和向量库, 保持三者一致.
type SessionUseCase struct {
	sessions repository.SessionRepository
	vectors  repository.VectorStore
	engine   *service.WindowingEngine
	bus      eventbus.Bus
	logger   *zap.Logger

	now func() time.Time
}

// NewSessionUseCase 创建会话应用服务
func NewSessionUseCase(
	sessions repository.SessionRepository,
	vectors repository.VectorStore,
	engine *service.WindowingEngine,
	bus eventbus.Bus,
	logger *zap.Logger,
) *SessionUseCase {
	return &SessionUseCase{
		sessions: sessions,
		vectors:  vectors,
		engine:   engine,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// RecoverStale marks any session left recording by a previous run as
// stopped. Readings for it were lost with the process, so resuming the
// window stream would only produce holes.
func (u *SessionUseCase) RecoverStale(ctx context.Context) error {
	stale, err := u.sessions.FindRecording(ctx)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	// 以最后一次写库时间收尾, 而不是当前时间: 进程死亡后没有新数据
	stoppedAt := stale.UpdatedAt
	if stoppedAt.IsZero() {
		stoppedAt = u.now()
	}
	stale.Stop(stoppedAt)
	if err := u.sessions.Update(ctx, stale); err != nil {
		return err
	}
	u.logger.Warn("Recovered stale recording session",
		zap.String("session_id", stale.ID),
		zap.Time("created_at", stale.CreatedAt),
	)
	return nil
}

// Create 创建会话并开始录制. 已有录制中会话时返回 Conflict.
func (u *SessionUseCase) Create(ctx context.Context, name string, activity entity.ActivityType) (*entity.Session, error) {
	session, err := entity.NewSession(uuid.NewString(), name, activity, u.now())
	if err != nil {
		return nil, err
	}
	if err := u.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	u.engine.StartSession(session)
	u.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeSessionCreated, eventbus.SessionLifecyclePayload{
		SessionID:    session.ID,
		Name:         session.Name,
		ActivityType: session.ActivityType,
	}))
	u.logger.Info("Recording session started",
		zap.String("session_id", session.ID),
		zap.String("name", session.Name),
	)
	return session, nil
}

// Get 会话详情, 含已落库窗口数
func (u *SessionUseCase) Get(ctx context.Context, id string) (*SessionDetail, error) {
	session, err := u.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := u.countWindows(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: session, WindowCount: count}, nil
}

// List 全部会话
func (u *SessionUseCase) List(ctx context.Context) ([]*entity.Session, error) {
	return u.sessions.FindAll(ctx)
}

// Stop 停止录制: 先让窗口引擎冲掉未关闭的桶, 再落库状态
func (u *SessionUseCase) Stop(ctx context.Context, id string) (*entity.Session, error) {
	session, err := u.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.IsRecording() {
		return session, nil
	}

	u.engine.StopSession(ctx, id)
	session.Stop(u.now())
	if err := u.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	u.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeSessionStopped, eventbus.SessionLifecyclePayload{
		SessionID:    session.ID,
		Name:         session.Name,
		ActivityType: session.ActivityType,
	}))
	u.logger.Info("Recording session stopped", zap.String("session_id", id))
	return session, nil
}

// Update 更新会话名称/活动标签, 以及按窗口的标注
func (u *SessionUseCase) Update(ctx context.Context, id string, name *string, activity *entity.ActivityType, labels []WindowLabel) (*entity.Session, error) {
	session, err := u.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" {
			return nil, apperrors.NewInvalidInput("session name cannot be empty")
		}
		session.Name = *name
	}
	if activity != nil {
		if !entity.ValidActivityType(*activity) {
			return nil, apperrors.NewInvalidInput("unknown activity type: " + string(*activity))
		}
		session.ActivityType = *activity
	}
	session.UpdatedAt = u.now().UTC()
	if err := u.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	for _, l := range labels {
		if !entity.ValidActivityType(l.Label) {
			return nil, apperrors.NewInvalidInput("unknown activity type: " + string(l.Label))
		}
		if err := u.vectors.SetLabel(ctx, l.WindowID, l.Label); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// Delete 删除会话并级联删除其全部窗口点位
func (u *SessionUseCase) Delete(ctx context.Context, id string) error {
	if u.engine.ActiveSessionID() == id {
		u.engine.StopSession(ctx, id)
	}
	if err := u.sessions.Delete(ctx, id); err != nil {
		return err
	}
	removed, err := u.vectors.DeleteBy(ctx, repository.WindowFilter{SessionID: id})
	if err != nil {
		return err
	}
	u.logger.Info("Session deleted",
		zap.String("session_id", id),
		zap.Int64("windows_removed", removed),
	)
	return nil
}

// Windows 分页遍历会话窗口 (导出和详情共用)
func (u *SessionUseCase) Windows(ctx context.Context, id string, limit int, cursor string) ([]repository.WindowPoint, string, error) {
	if _, err := u.sessions.FindByID(ctx, id); err != nil {
		return nil, "", err
	}
	return u.vectors.Scroll(ctx, repository.WindowFilter{SessionID: id}, limit, cursor)
}

// Similar 以某个窗口为参照做 k 近邻检索
func (u *SessionUseCase) Similar(ctx context.Context, windowID string, limit int, filter repository.WindowFilter) ([]repository.WindowPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	return u.vectors.Search(ctx, windowID, limit, filter)
}

// IngestReading 喂一条读数给窗口引擎 (websocket 入口使用)
func (u *SessionUseCase) IngestReading(ctx context.Context, r entity.Reading) error {
	return u.engine.Ingest(ctx, r)
}

// ActiveSessionID 当前录制中的会话 ID, 没有则为空串
func (u *SessionUseCase) ActiveSessionID() string {
	return u.engine.ActiveSessionID()
}

// Health 各依赖的健康状态
func (u *SessionUseCase) Health(ctx context.Context) map[string]any {
	health := map[string]any{
		"server": "ok",
	}
	if err := u.vectors.Ping(ctx); err != nil {
		health["vector_store"] = "unavailable"
	} else {
		health["vector_store"] = "ok"
	}
	if _, err := u.sessions.FindAll(ctx); err != nil {
		health["sql_store"] = "unavailable"
	} else {
		health["sql_store"] = "ok"
	}
	if id := u.engine.ActiveSessionID(); id != "" {
		health["active_session_id"] = id
	}
	return health
}

func (u *SessionUseCase) countWindows(ctx context.Context, id string) (int, error) {
	count := 0
	cursor := ""
	for {
		points, next, err := u.vectors.Scroll(ctx, repository.WindowFilter{SessionID: id}, 500, cursor)
		if err != nil {
			return 0, err
		}
		count += len(points)
		if next == "" {
			return count, nil
		}
		cursor = next
	}
}
