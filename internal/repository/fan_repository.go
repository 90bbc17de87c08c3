package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/notification-service/internal/model"
)

type FanRepository interface {
	Create(ctx context.Context, userID, fanID int64) error
	Delete(ctx context.Context, userID, fanID int64) error
	// ListFanIDs 按关注时间顺序分页
	ListFanIDs(ctx context.Context, userID int64, offset, limit int) ([]int64, error)
}

type fanRepository struct{ db *gorm.DB }

func NewFanRepository(db *gorm.DB) FanRepository { return &fanRepository{db: db} }

func (r *fanRepository) Create(ctx context.Context, userID, fanID int64) error {
	f := &model.Fan{ID: uuid.New().String(), UserID: userID, FanID: fanID}
	// 幂等：重复关注不报错
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error
}

func (r *fanRepository) Delete(ctx context.Context, userID, fanID int64) error {
	return r.db.WithContext(ctx).Where("user_id = ? AND fan_id = ?", userID, fanID).Delete(&model.Fan{}).Error
}

func (r *fanRepository) ListFanIDs(ctx context.Context, userID int64, offset, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Fan{}).
		Where("user_id = ?", userID).
		Order("created_at").Order("id").
		Offset(offset).Limit(limit).
		Pluck("fan_id", &ids).Error
	return ids, err
}
