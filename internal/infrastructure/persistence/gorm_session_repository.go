package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence/models"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// GormSessionRepository 基于 GORM 的会话仓储实现
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建会话仓储
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Create 创建会话. 同一时刻只允许一个录制中会话.
func (r *GormSessionRepository) Create(ctx context.Context, session *entity.Session) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SessionModel{}).
			Where("status = ?", string(entity.SessionRecording)).
			Count(&count).Error; err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "failed to check recording sessions")
		}
		if count > 0 {
			return apperrors.NewConflict("a recording session is already active")
		}
		if err := tx.Create(toSessionModel(session)).Error; err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "failed to create session")
		}
		return nil
	})
}

// FindByID 按 ID 查找会话
func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*entity.Session, error) {
	var model models.SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("session not found: " + id)
		}
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to find session")
	}
	return toSessionEntity(&model), nil
}

// FindAll 按创建时间倒序返回全部会话
func (r *GormSessionRepository) FindAll(ctx context.Context) ([]*entity.Session, error) {
	var rows []models.SessionModel
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to list sessions")
	}
	sessions := make([]*entity.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, toSessionEntity(&rows[i]))
	}
	return sessions, nil
}

// FindRecording 返回当前录制中的会话, 没有则返回 NotFound
func (r *GormSessionRepository) FindRecording(ctx context.Context) (*entity.Session, error) {
	var model models.SessionModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(entity.SessionRecording)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("no recording session")
		}
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to find recording session")
	}
	return toSessionEntity(&model), nil
}

// Update 更新会话
func (r *GormSessionRepository) Update(ctx context.Context, session *entity.Session) error {
	res := r.db.WithContext(ctx).
		Model(&models.SessionModel{}).
		Where("id = ?", session.ID).
		Updates(map[string]interface{}{
			"name":          session.Name,
			"activity_type": string(session.ActivityType),
			"status":        string(session.Status),
			"stopped_at":    session.StoppedAt,
			"updated_at":    session.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.CodeTransient, "failed to update session")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("session not found: " + session.ID)
	}
	return nil
}

// Delete 删除会话
func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id)
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.CodeTransient, "failed to delete session")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("session not found: " + id)
	}
	return nil
}

func toSessionModel(s *entity.Session) *models.SessionModel {
	return &models.SessionModel{
		ID:           s.ID,
		Name:         s.Name,
		ActivityType: string(s.ActivityType),
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt.UTC(),
		StoppedAt:    s.StoppedAt,
		UpdatedAt:    s.UpdatedAt.UTC(),
	}
}

func toSessionEntity(m *models.SessionModel) *entity.Session {
	return &entity.Session{
		ID:           m.ID,
		Name:         m.Name,
		ActivityType: entity.ActivityType(m.ActivityType),
		Status:       entity.SessionStatus(m.Status),
		CreatedAt:    m.CreatedAt.UTC(),
		StoppedAt:    m.StoppedAt,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}
