package model

import "time"

// NotificationType 通知类型
type NotificationType string

const (
	NotificationPostCreated  NotificationType = "PostCreated"
	NotificationPostLiked    NotificationType = "PostLiked"
	NotificationUserFollowed NotificationType = "UserFollowed"
)

// Notification 面向用户的通知记录
type Notification struct {
	ID          string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RecipientID int64            `json:"recipient_id" gorm:"not null;index:idx_notification_recipient_created,priority:1"`
	ActorID     int64            `json:"actor_id" gorm:"not null"`
	Type        NotificationType `json:"type" gorm:"type:varchar(32);not null"`
	SubjectID   int64            `json:"subject_id" gorm:"not null"`
	Content     string           `json:"content" gorm:"type:text"`
	// 同一逻辑事件重复投递时折叠为一条，见 ux_notification_dedup
	DedupKey  string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:ux_notification_dedup"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null;index:idx_notification_recipient_created,priority:2"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

func (Notification) TableName() string { return "notifications" }

// Draft 待持久化的通知（ID、CreatedAt 由存储层分配）
type Draft struct {
	RecipientID int64
	ActorID     int64
	Type        NotificationType
	SubjectID   int64
	Content     string
	DedupKey    string
}
