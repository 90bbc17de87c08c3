package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/notification-service/internal/model"
)

var (
	// ErrNotFound 通知不存在
	ErrNotFound = errors.New("notification not found")
	// ErrStore 存储暂时不可用，可重试（写入是幂等的）
	ErrStore = errors.New("notification store unavailable")
)

// Page 分页参数
type Page struct {
	Offset int
	Limit  int
}

// NotificationRepository 通知存储
type NotificationRepository interface {
	// InsertIfAbsent 按 dedup_key 幂等写入；已存在时返回已有记录，created=false
	InsertIfAbsent(ctx context.Context, d model.Draft) (n *model.Notification, created bool, err error)

	// ListByRecipient 按创建时间倒序分页
	ListByRecipient(ctx context.Context, recipientID int64, page Page) ([]*model.Notification, error)

	// MarkRead 标记已读；重复调用保留首次已读时间
	MarkRead(ctx context.Context, id string) error

	FindByID(ctx context.Context, id string) (*model.Notification, error)
	FindByDedupKey(ctx context.Context, key string) (*model.Notification, error)
	CountUnread(ctx context.Context, recipientID int64) (int64, error)
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
}

type notificationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *notificationRepository) InsertIfAbsent(ctx context.Context, d model.Draft) (*model.Notification, bool, error) {
	if d.DedupKey == "" {
		return nil, false, errors.New("draft without dedup key")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("%w: generate id: %w", ErrStore, err)
	}
	n := &model.Notification{
		ID:          id.String(),
		RecipientID: d.RecipientID,
		ActorID:     d.ActorID,
		Type:        d.Type,
		SubjectID:   d.SubjectID,
		Content:     d.Content,
		DedupKey:    d.DedupKey,
		CreatedAt:   r.now(),
	}

	// 唯一索引保证原子性：冲突时不写入，再按 dedup_key 读回已有行
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(n)
	if res.Error != nil {
		return nil, false, fmt.Errorf("%w: insert: %w", ErrStore, res.Error)
	}
	if res.RowsAffected == 1 {
		return n, true, nil
	}

	existing, err := r.FindByDedupKey(ctx, d.DedupKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// 冲突行在读回前被删除，交给重投处理
			return nil, false, fmt.Errorf("%w: conflicting row for %s vanished", ErrStore, d.DedupKey)
		}
		return nil, false, err
	}
	return existing, false, nil
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID int64, page Page) ([]*model.Notification, error) {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Limit <= 0 {
		page.Limit = 20
	}
	var res []*model.Notification
	err := r.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").Order("id DESC").
		Offset(page.Offset).Limit(page.Limit).
		Find(&res).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrStore, err)
	}
	return res, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("id = ?", id).
		Update("read_at", gorm.Expr("COALESCE(read_at, ?)", r.now()))
	if res.Error != nil {
		return fmt.Errorf("%w: mark read: %w", ErrStore, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepository) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *notificationRepository) FindByDedupKey(ctx context.Context, key string) (*model.Notification, error) {
	return r.first(ctx, "dedup_key = ?", key)
}

func (r *notificationRepository) first(ctx context.Context, query string, arg interface{}) (*model.Notification, error) {
	var n model.Notification
	err := r.db.WithContext(ctx).Where(query, arg).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find: %w", ErrStore, err)
	}
	return &n, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, recipientID int64) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Count(&cnt).Error; err != nil {
		return 0, fmt.Errorf("%w: count unread: %w", ErrStore, err)
	}
	return cnt, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Update("read_at", r.now())
	if res.Error != nil {
		return 0, fmt.Errorf("%w: mark all read: %w", ErrStore, res.Error)
	}
	return res.RowsAffected, nil
}
