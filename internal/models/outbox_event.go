package models

import "time"

// OutboxEvent 事务发件箱事件
type OutboxEvent struct {
	ID          uint       `gorm:"primarykey" json:"id"`                                  // 主键
	EventID     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_id"` // 事件ID
	Topic       string     `gorm:"type:varchar(128);not null" json:"topic"`               // 投递主题
	AggregateID string     `gorm:"type:varchar(64);index;not null" json:"aggregate_id"`   // 聚合根（支付单号）
	EventType   string     `gorm:"type:varchar(64);not null" json:"event_type"`           // 事件类型
	Payload     JSON       `gorm:"type:json" json:"payload"`                              // 事件内容
	Status      string     `gorm:"type:varchar(16);index;not null" json:"status"`         // 投递状态
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`                    // 已尝试次数
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`                 // 最近一次错误
	SentAt      *time.Time `json:"sent_at,omitempty"`                                     // 投递时间
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`                               // 创建时间
	UpdatedAt   time.Time  `json:"updated_at"`                                            // 更新时间
}

// TableName 指定表名
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
