package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// MemorySessionRepository 内存版会话仓储, 用于测试和无盘环境
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session
}

// NewMemorySessionRepository 创建内存会话仓储
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*entity.Session)}
}

func (r *MemorySessionRepository) Create(_ context.Context, session *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.IsRecording() {
			return apperrors.NewConflict("a recording session is already active")
		}
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *MemorySessionRepository) FindByID(_ context.Context, id string) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFound("session not found: " + id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemorySessionRepository) FindAll(_ context.Context) ([]*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemorySessionRepository) FindRecording(_ context.Context) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.IsRecording() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFound("no recording session")
}

func (r *MemorySessionRepository) Update(_ context.Context, session *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return apperrors.NewNotFound("session not found: " + session.ID)
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *MemorySessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return apperrors.NewNotFound("session not found: " + id)
	}
	delete(r.sessions, id)
	return nil
}
