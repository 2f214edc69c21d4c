package vectorstore

import (
	"context"
	"math"
	"sync"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// MemoryStore 内存版向量库, 用于测试和无原生库环境.
// 检索用线性扫描 + L2 距离, 语义与 LanceDB 实现一致.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string]entity.Window
}

// NewMemoryStore 创建内存向量库
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]entity.Window)}
}

func (s *MemoryStore) Upsert(_ context.Context, pointID string, window entity.Window) error {
	if len(window.Vector) != entity.VectorDim {
		return apperrors.NewSchemaMismatch("vector dimension mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vec := make([]float32, len(window.Vector))
	copy(vec, window.Vector)
	window.Vector = vec
	s.points[pointID] = window
	return nil
}

func (s *MemoryStore) Scroll(_ context.Context, filter repository.WindowFilter, limit int, cursor string) ([]repository.WindowPoint, string, error) {
	s.mu.RLock()
	points := s.matching(filter)
	s.mu.RUnlock()
	sortPoints(points)

	start := 0
	if cursor != "" {
		for i, p := range points {
			if p.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(points) {
		return nil, "", nil
	}
	end := start + limit
	if limit <= 0 || end > len(points) {
		end = len(points)
	}
	page := points[start:end]
	next := ""
	if end < len(points) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *MemoryStore) Search(_ context.Context, referencePointID string, limit int, filter repository.WindowFilter) ([]repository.WindowPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.points[referencePointID]
	if !ok {
		return nil, apperrors.NewNotFound("window not found: " + referencePointID)
	}

	candidates := s.matching(filter)
	scored := candidates[:0]
	for _, p := range candidates {
		if p.ID == referencePointID {
			continue
		}
		d := l2Distance(ref.Vector, p.Window.Vector)
		p.Score = 1.0 / (1.0 + d)
		scored = append(scored, p)
	}
	// 按相似度降序, 同分按 id 稳定排序
	for i := 0; i < len(scored); i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Score > scored[i].Score ||
				(scored[j].Score == scored[i].Score && scored[j].ID < scored[i].ID) {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *MemoryStore) DeleteBy(_ context.Context, filter repository.WindowFilter) (int64, error) {
	if filter.SessionID == "" && filter.Label == "" {
		return 0, apperrors.NewInvalidInput("refusing to delete without a filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, w := range s.points {
		if matches(w, filter) {
			delete(s.points, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SetLabel(_ context.Context, pointID string, label entity.ActivityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.points[pointID]
	if !ok {
		return apperrors.NewNotFound("window not found: " + pointID)
	}
	w.Label = label
	s.points[pointID] = w
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) matching(filter repository.WindowFilter) []repository.WindowPoint {
	var out []repository.WindowPoint
	for id, w := range s.points {
		if matches(w, filter) {
			out = append(out, repository.WindowPoint{ID: id, Window: w})
		}
	}
	return out
}

func matches(w entity.Window, filter repository.WindowFilter) bool {
	if filter.SessionID != "" && w.SessionID != filter.SessionID {
		return false
	}
	if filter.Label != "" && w.Label != filter.Label {
		return false
	}
	return true
}

func l2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
