package usecase

import (
	"context"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
)

// WindowSink 把窗口引擎的产出写入向量库并广播事件
type WindowSink struct {
	store repository.VectorStore
	bus   eventbus.Bus
}

// NewWindowSink 创建窗口落库器
func NewWindowSink(store repository.VectorStore, bus eventbus.Bus) *WindowSink {
	return &WindowSink{store: store, bus: bus}
}

// EmitWindow 幂等写入一个窗口点位
func (s *WindowSink) EmitWindow(ctx context.Context, pointID string, window entity.Window) error {
	if err := s.store.Upsert(ctx, pointID, window); err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeWindowEmitted, eventbus.WindowEmittedPayload{
		SessionID:  window.SessionID,
		PointID:    pointID,
		StartTime:  window.StartTime,
		FootCount:  window.FootCount,
		AccelCount: window.AccelCount,
	}))
	return nil
}
