package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
)

type memoryRow struct {
	id      int64
	reading entity.Reading
	sent    bool
}

// MemoryReadingLog 内存版读数日志, 用于测试和无盘环境
type MemoryReadingLog struct {
	mu     sync.Mutex
	nextID int64
	rows   map[repository.ReadingKind][]*memoryRow
}

// NewMemoryReadingLog 创建内存读数日志
func NewMemoryReadingLog() *MemoryReadingLog {
	return &MemoryReadingLog{
		nextID: 1,
		rows:   make(map[repository.ReadingKind][]*memoryRow),
	}
}

func (l *MemoryReadingLog) Save(_ context.Context, r entity.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kind := repository.KindOf(r)
	l.rows[kind] = append(l.rows[kind], &memoryRow{id: l.nextID, reading: r})
	l.nextID++
	return nil
}

func (l *MemoryReadingLog) FetchUnsent(_ context.Context, kind repository.ReadingKind, limit int) ([]repository.StoredReading, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []repository.StoredReading
	for _, row := range l.rows[kind] {
		if row.sent {
			continue
		}
		out = append(out, repository.StoredReading{ID: row.id, Reading: row.reading})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryReadingLog) MarkSent(_ context.Context, kind repository.ReadingKind, ids []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, row := range l.rows[kind] {
		if _, ok := set[row.id]; ok {
			row.sent = true
		}
	}
	return nil
}

func (l *MemoryReadingLog) Prune(_ context.Context, kind repository.ReadingKind, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kept []*memoryRow
	var removed int64
	for _, row := range l.rows[kind] {
		if row.sent && row.reading.ReadingTimestamp().Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	l.rows[kind] = kept
	return removed, nil
}

func (l *MemoryReadingLog) CountUnsent(_ context.Context, kind repository.ReadingKind) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int64
	for _, row := range l.rows[kind] {
		if !row.sent {
			count++
		}
	}
	return count, nil
}
