package repository

import (
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
)

// OutboxRepository 发件箱数据访问接口
type OutboxRepository interface {
	Create(event *models.OutboxEvent) error
	ListPending(limit int) ([]models.OutboxEvent, error)
	MarkSent(id uint, sentAt time.Time) error
	MarkAttemptFailed(id uint, lastError string, maxAttempts int) error
}

// GormOutboxRepository GORM 实现
type GormOutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository 创建发件箱仓库
func NewOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

// WithTx 绑定事务
func (r *GormOutboxRepository) WithTx(tx *gorm.DB) *GormOutboxRepository {
	if tx == nil {
		return r
	}
	return &GormOutboxRepository{db: tx}
}

// Create 写入事件
func (r *GormOutboxRepository) Create(event *models.OutboxEvent) error {
	if event.Status == "" {
		event.Status = constants.OutboxStatusPending
	}
	return r.db.Create(event).Error
}

// ListPending 按写入顺序获取待投递事件
func (r *GormOutboxRepository) ListPending(limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.OutboxEvent
	if err := r.db.Where("status = ?", constants.OutboxStatusPending).
		Order("id asc").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// MarkSent 标记已投递
func (r *GormOutboxRepository) MarkSent(id uint, sentAt time.Time) error {
	return r.db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     constants.OutboxStatusSent,
		"sent_at":    sentAt,
		"last_error": "",
		"updated_at": time.Now(),
	}).Error
}

// MarkAttemptFailed 记录一次失败，达到上限后转为 failed
func (r *GormOutboxRepository) MarkAttemptFailed(id uint, lastError string, maxAttempts int) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var event models.OutboxEvent
		if err := tx.First(&event, id).Error; err != nil {
			return err
		}
		attempts := event.Attempts + 1
		status := constants.OutboxStatusPending
		if maxAttempts > 0 && attempts >= maxAttempts {
			status = constants.OutboxStatusFailed
		}
		return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
			"attempts":   attempts,
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
	})
}
