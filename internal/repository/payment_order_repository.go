package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
)

// PaymentOrderRepository 支付单数据访问接口
type PaymentOrderRepository interface {
	Create(order *models.PaymentOrder) error
	GetByOrderID(orderID string) (*models.PaymentOrder, error)
	GetByProviderReference(provider, reference string) (*models.PaymentOrder, error)
	TransitionStatus(orderID string, from []string, to string, updates map[string]interface{}) (bool, error)
	UpdateFields(orderID string, updates map[string]interface{}) error
	ListStaleAwaiting(before time.Time, limit int) ([]models.PaymentOrder, error)
}

// GormPaymentOrderRepository GORM 实现
type GormPaymentOrderRepository struct {
	db *gorm.DB
}

// NewPaymentOrderRepository 创建支付单仓库
func NewPaymentOrderRepository(db *gorm.DB) *GormPaymentOrderRepository {
	return &GormPaymentOrderRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentOrderRepository) WithTx(tx *gorm.DB) *GormPaymentOrderRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentOrderRepository{db: tx}
}

// Create 创建支付单
func (r *GormPaymentOrderRepository) Create(order *models.PaymentOrder) error {
	return r.db.Create(order).Error
}

// GetByOrderID 根据支付单号获取
func (r *GormPaymentOrderRepository) GetByOrderID(orderID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	if err := r.db.Where("order_id = ?", strings.TrimSpace(orderID)).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetByProviderReference 根据渠道单号获取最新支付单
func (r *GormPaymentOrderRepository) GetByProviderReference(provider, reference string) (*models.PaymentOrder, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var order models.PaymentOrder
	err := r.db.Where("provider_name = ? AND provider_reference = ?", strings.TrimSpace(provider), reference).
		Order("id desc").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// TransitionStatus 比较并设置状态，仅当当前状态属于 from 时生效
func (r *GormPaymentOrderRepository) TransitionStatus(orderID string, from []string, to string, updates map[string]interface{}) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	values := map[string]interface{}{}
	for key, value := range updates {
		values[key] = value
	}
	values["status"] = to
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now()
	}
	result := r.db.Model(&models.PaymentOrder{}).
		Where("order_id = ? AND status IN ?", strings.TrimSpace(orderID), from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateFields 更新非状态字段
func (r *GormPaymentOrderRepository) UpdateFields(orderID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	values := map[string]interface{}{}
	for key, value := range updates {
		if key == "status" {
			continue
		}
		values[key] = value
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now()
	}
	return r.db.Model(&models.PaymentOrder{}).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Updates(values).Error
}

// ListStaleAwaiting 列出创建时间早于 before 的待支付订单
func (r *GormPaymentOrderRepository) ListStaleAwaiting(before time.Time, limit int) ([]models.PaymentOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []models.PaymentOrder
	err := r.db.Where("status = ? AND created_at < ?", constants.OrderStatusAwaitingPayment, before).
		Order("created_at asc").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
