package model

import "time"

// Fan 本地粉丝索引：FanID 关注了 UserID，用于发帖通知扇出。
// ux_fan_pair = (user_id, fan_id)，重复关注幂等
type Fan struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	UserID    int64     `gorm:"not null;index:idx_fan_user_created,priority:1;uniqueIndex:ux_fan_pair,priority:1"`
	FanID     int64     `gorm:"not null;uniqueIndex:ux_fan_pair,priority:2"`
	CreatedAt time.Time `gorm:"index:idx_fan_user_created,priority:2"`
}

func (Fan) TableName() string { return "fans" }
