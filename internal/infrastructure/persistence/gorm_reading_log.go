package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/infrastructure/persistence/models"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// GormReadingLog 基于 GORM 的读数日志实现 (边缘端先写后发)
type GormReadingLog struct {
	foot  *gorm.DB
	accel *gorm.DB

	// MarkSent 与 Prune 之间共享一把锁, 保证 "fetch -> send -> mark"
	// 期间不会被清理线程删掉同批记录
	footMu  sync.Mutex
	accelMu sync.Mutex
}

// NewGormReadingLog 创建读数日志
func NewGormReadingLog(foot, accel *gorm.DB) *GormReadingLog {
	return &GormReadingLog{foot: foot, accel: accel}
}

func (l *GormReadingLog) dbFor(kind repository.ReadingKind) (*gorm.DB, *sync.Mutex, error) {
	switch kind {
	case repository.KindFoot:
		return l.foot, &l.footMu, nil
	case repository.KindAccel:
		return l.accel, &l.accelMu, nil
	default:
		return nil, nil, apperrors.NewInternal(fmt.Sprintf("unknown reading kind: %s", kind))
	}
}

// Save 追加一条读数, 标记为未发送
func (l *GormReadingLog) Save(ctx context.Context, r entity.Reading) error {
	kind := repository.KindOf(r)
	db, mu, err := l.dbFor(kind)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode reading")
	}

	mu.Lock()
	defer mu.Unlock()

	ts := entity.FormatTimestamp(r.ReadingTimestamp())
	switch kind {
	case repository.KindFoot:
		row := models.FootReadingModel{
			Timestamp: ts,
			Device:    string(r.ReadingDevice()),
			Payload:   string(payload),
		}
		if err := db.WithContext(ctx).Create(&row).Error; err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "failed to save foot reading")
		}
	case repository.KindAccel:
		row := models.AccelReadingModel{
			Timestamp: ts,
			Device:    string(r.ReadingDevice()),
			Payload:   string(payload),
		}
		if err := db.WithContext(ctx).Create(&row).Error; err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "failed to save accel reading")
		}
	}
	return nil
}

// FetchUnsent 按插入顺序取出最早的未发送记录
func (l *GormReadingLog) FetchUnsent(ctx context.Context, kind repository.ReadingKind, limit int) ([]repository.StoredReading, error) {
	db, mu, err := l.dbFor(kind)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	var out []repository.StoredReading
	switch kind {
	case repository.KindFoot:
		var rows []models.FootReadingModel
		if err := db.WithContext(ctx).
			Where("sent = ?", false).
			Order("id asc").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to fetch unsent foot readings")
		}
		for _, row := range rows {
			var r entity.FootReading
			if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "corrupt foot reading payload")
			}
			out = append(out, repository.StoredReading{ID: row.ID, Reading: &r})
		}
	case repository.KindAccel:
		var rows []models.AccelReadingModel
		if err := db.WithContext(ctx).
			Where("sent = ?", false).
			Order("id asc").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to fetch unsent accel readings")
		}
		for _, row := range rows {
			var r entity.AccelReading
			if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "corrupt accel reading payload")
			}
			out = append(out, repository.StoredReading{ID: row.ID, Reading: &r})
		}
	}
	return out, nil
}

// MarkSent 在单个事务内批量标记已发送
func (l *GormReadingLog) MarkSent(ctx context.Context, kind repository.ReadingKind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	db, mu, err := l.dbFor(kind)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model interface{}
		if kind == repository.KindFoot {
			model = &models.FootReadingModel{}
		} else {
			model = &models.AccelReadingModel{}
		}
		if err := tx.Model(model).Where("id IN ?", ids).Update("sent", true).Error; err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "failed to mark readings sent")
		}
		return nil
	})
}

// Prune 删除早于给定时刻且已发送的记录, 返回删除条数.
// 时间戳列是定宽 ISO 文本, 字典序与时间序一致.
func (l *GormReadingLog) Prune(ctx context.Context, kind repository.ReadingKind, olderThan time.Time) (int64, error) {
	db, mu, err := l.dbFor(kind)
	if err != nil {
		return 0, err
	}

	mu.Lock()
	defer mu.Unlock()

	horizon := entity.FormatTimestamp(olderThan)
	var res *gorm.DB
	if kind == repository.KindFoot {
		res = db.WithContext(ctx).
			Where("sent = ? AND timestamp < ?", true, horizon).
			Delete(&models.FootReadingModel{})
	} else {
		res = db.WithContext(ctx).
			Where("sent = ? AND timestamp < ?", true, horizon).
			Delete(&models.AccelReadingModel{})
	}
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, apperrors.CodeTransient, "failed to prune readings")
	}
	return res.RowsAffected, nil
}

// CountUnsent 未发送记录数 (用于健康指标)
func (l *GormReadingLog) CountUnsent(ctx context.Context, kind repository.ReadingKind) (int64, error) {
	db, _, err := l.dbFor(kind)
	if err != nil {
		return 0, err
	}

	var count int64
	var model interface{}
	if kind == repository.KindFoot {
		model = &models.FootReadingModel{}
	} else {
		model = &models.AccelReadingModel{}
	}
	if err := db.WithContext(ctx).Model(model).Where("sent = ?", false).Count(&count).Error; err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeTransient, "failed to count unsent readings")
	}
	return count, nil
}
