package repository

import (
	"context"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
)

// WindowFilter 向量点位的载荷过滤条件 (等值匹配, 零值字段不过滤)
type WindowFilter struct {
	SessionID string
	Label     entity.ActivityType
}

// WindowPoint 向量库中的一个点位
type WindowPoint struct {
	ID     string
	Window entity.Window
	// Score 相似度 (仅 Search 结果填充, 越大越相似)
	Score float32
}

// VectorStore insulates the rest of the system from the underlying vector
// index. Implementations map index failures into the app error codes
// (Transient / NotFound / SchemaMismatch) and never leak driver errors.
type VectorStore interface {
	// Upsert 写入或覆盖一个点位; 向量长度必须为 entity.VectorDim
	Upsert(ctx context.Context, pointID string, window entity.Window) error
	// Scroll 流式遍历匹配过滤条件的点位; cursor 为空串表示从头开始,
	// 返回的 next 为空串表示遍历完毕
	Scroll(ctx context.Context, filter WindowFilter, limit int, cursor string) (points []WindowPoint, next string, err error)
	// Search 以 referencePointID 的向量为查询做 k 近邻检索
	Search(ctx context.Context, referencePointID string, limit int, filter WindowFilter) ([]WindowPoint, error)
	// DeleteBy 删除匹配过滤条件的全部点位, 返回删除数
	DeleteBy(ctx context.Context, filter WindowFilter) (int64, error)
	// SetLabel 为指定点位附加活动标签
	SetLabel(ctx context.Context, pointID string, label entity.ActivityType) error
	// Ping 探活
	Ping(ctx context.Context) error
	// Close 释放底层索引资源
	Close() error
}
