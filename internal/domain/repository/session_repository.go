package repository

import (
	"context"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
)

// SessionRepository 会话登记表
type SessionRepository interface {
	// Create 新建会话; 已有 recording 会话时返回 Conflict
	Create(ctx context.Context, session *entity.Session) error
	// FindByID 按 ID 查找; 不存在返回 NotFound
	FindByID(ctx context.Context, id string) (*entity.Session, error)
	// FindAll 按创建时间倒序返回全部会话
	FindAll(ctx context.Context) ([]*entity.Session, error)
	// FindRecording 返回当前 recording 会话; 没有则返回 NotFound
	FindRecording(ctx context.Context) (*entity.Session, error)
	// Update 持久化会话变更 (stop、改名、标注)
	Update(ctx context.Context, session *entity.Session) error
	// Delete 删除会话元数据; 向量级联删除由调用方负责
	Delete(ctx context.Context, id string) error
}
