package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
)

// TransactionRepository 交易流水数据访问接口
type TransactionRepository interface {
	Create(txn *models.Transaction) error
	GetByOrderID(orderID string) (*models.Transaction, error)
	CountByOrderID(orderID string) (int64, error)
	UpdateStatus(orderID, status string) error
}

// GormTransactionRepository GORM 实现
type GormTransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository 创建交易流水仓库
func NewTransactionRepository(db *gorm.DB) *GormTransactionRepository {
	return &GormTransactionRepository{db: db}
}

// WithTx 绑定事务
func (r *GormTransactionRepository) WithTx(tx *gorm.DB) *GormTransactionRepository {
	if tx == nil {
		return r
	}
	return &GormTransactionRepository{db: tx}
}

// Create 创建交易流水，order_id 唯一索引冲突时返回 gorm.ErrDuplicatedKey
func (r *GormTransactionRepository) Create(txn *models.Transaction) error {
	if err := r.db.Create(txn).Error; err != nil {
		if IsDuplicateKey(err) {
			return gorm.ErrDuplicatedKey
		}
		return err
	}
	return nil
}

// GetByOrderID 根据支付单号获取流水
func (r *GormTransactionRepository) GetByOrderID(orderID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.Where("order_id = ?", strings.TrimSpace(orderID)).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// CountByOrderID 统计支付单对应流水数
func (r *GormTransactionRepository) CountByOrderID(orderID string) (int64, error) {
	var count int64
	if err := r.db.Model(&models.Transaction{}).Where("order_id = ?", strings.TrimSpace(orderID)).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus 更新流水状态
func (r *GormTransactionRepository) UpdateStatus(orderID, status string) error {
	return r.db.Model(&models.Transaction{}).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}
