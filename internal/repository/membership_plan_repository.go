package repository

import (
	"errors"
	"strings"

	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MembershipPlanRepository 会员套餐数据访问接口
type MembershipPlanRepository interface {
	GetByPlanID(planID string) (*models.MembershipPlan, error)
	List(onlyActive bool) ([]models.MembershipPlan, error)
	CreateIfAbsent(plan *models.MembershipPlan) error
}

// GormMembershipPlanRepository GORM 实现
type GormMembershipPlanRepository struct {
	db *gorm.DB
}

// NewMembershipPlanRepository 创建套餐仓库
func NewMembershipPlanRepository(db *gorm.DB) *GormMembershipPlanRepository {
	return &GormMembershipPlanRepository{db: db}
}

// WithTx 绑定事务
func (r *GormMembershipPlanRepository) WithTx(tx *gorm.DB) *GormMembershipPlanRepository {
	if tx == nil {
		return r
	}
	return &GormMembershipPlanRepository{db: tx}
}

// GetByPlanID 根据套餐标识获取
func (r *GormMembershipPlanRepository) GetByPlanID(planID string) (*models.MembershipPlan, error) {
	var plan models.MembershipPlan
	if err := r.db.Where("plan_id = ?", strings.TrimSpace(planID)).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// List 列出套餐
func (r *GormMembershipPlanRepository) List(onlyActive bool) ([]models.MembershipPlan, error) {
	var plans []models.MembershipPlan
	query := r.db.Model(&models.MembershipPlan{})
	if onlyActive {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Order("sort_order asc, id asc").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// CreateIfAbsent 套餐不存在时写入，已存在则保持不变
func (r *GormMembershipPlanRepository) CreateIfAbsent(plan *models.MembershipPlan) error {
	if plan == nil {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plan_id"}},
		DoNothing: true,
	}).Create(plan).Error
}
