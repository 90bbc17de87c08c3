package service

import (
	"context"
	"errors"

	"github.com/d60-Lab/notification-service/internal/model"
	"github.com/d60-Lab/notification-service/internal/repository"
)

var (
	ErrForbidden = errors.New("notification belongs to another user")
)

// NotificationService 通知读取与已读管理
type NotificationService interface {
	List(ctx context.Context, userID int64, page, pageSize int) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, userID int64, notificationID string) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
}

type notificationService struct {
	repo repository.NotificationRepository
}

func NewNotificationService(repo repository.NotificationRepository) NotificationService {
	return &notificationService{repo: repo}
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NormalizePage 页码从 1 开始，每页数量限制在 1..100，缺省 20
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *notificationService) List(ctx context.Context, userID int64, page, pageSize int) ([]*model.Notification, error) {
	page, pageSize = NormalizePage(page, pageSize)
	return s.repo.ListByRecipient(ctx, userID, repository.Page{Offset: (page - 1) * pageSize, Limit: pageSize})
}

func (s *notificationService) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	return s.repo.CountUnread(ctx, userID)
}

func (s *notificationService) MarkRead(ctx context.Context, userID int64, notificationID string) error {
	n, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.RecipientID != userID {
		return ErrForbidden
	}
	return s.repo.MarkRead(ctx, notificationID)
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}
