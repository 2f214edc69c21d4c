package repository

import (
	"context"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
)

// ReadingKind 本地日志分表类型
type ReadingKind string

const (
	KindFoot  ReadingKind = "foot"
	KindAccel ReadingKind = "accel"
)

// KindOf 返回读数所属的日志分表
func KindOf(r entity.Reading) ReadingKind {
	if r.ReadingDevice().IsFoot() {
		return KindFoot
	}
	return KindAccel
}

// StoredReading 带日志行标识的读数
type StoredReading struct {
	ID      int64
	Reading entity.Reading
}

// ReadingLog is the edge write-ahead store: one append-only log per sensor
// kind with a sent flag per row. Save must commit before returning; rows are
// never rewritten except to flip sent 0→1, and only sent rows are ever
// pruned.
type ReadingLog interface {
	// Save 同步落盘一条读数 (必须提交后才返回)
	Save(ctx context.Context, r entity.Reading) error
	// FetchUnsent 按 ID 升序返回至多 limit 条未发送行
	FetchUnsent(ctx context.Context, kind ReadingKind, limit int) ([]StoredReading, error)
	// MarkSent 原子地将一组行标记为已发送
	MarkSent(ctx context.Context, kind ReadingKind, ids []int64) error
	// Prune 删除早于 olderThan 且已发送的行, 返回删除数
	Prune(ctx context.Context, kind ReadingKind, olderThan time.Time) (int64, error)
	// CountUnsent 返回未发送行数
	CountUnsent(ctx context.Context, kind ReadingKind) (int64, error)
}
