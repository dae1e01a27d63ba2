package repository

import (
	"errors"
	"strings"

	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MembershipRepository 用户会员数据访问接口
type MembershipRepository interface {
	GetByUserID(userID string) (*models.UserMembership, error)
	// GetByUserIDForUpdate 在事务内加行锁读取
	GetByUserIDForUpdate(userID string) (*models.UserMembership, error)
	// EnsureExists 记录不存在时写入 seed，已存在则不做任何修改
	EnsureExists(seed *models.UserMembership) error
	Upsert(membership *models.UserMembership) error
}

// GormMembershipRepository GORM 实现
type GormMembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository 创建会员仓库
func NewMembershipRepository(db *gorm.DB) *GormMembershipRepository {
	return &GormMembershipRepository{db: db}
}

// WithTx 绑定事务
func (r *GormMembershipRepository) WithTx(tx *gorm.DB) *GormMembershipRepository {
	if tx == nil {
		return r
	}
	return &GormMembershipRepository{db: tx}
}

// GetByUserID 获取用户会员
func (r *GormMembershipRepository) GetByUserID(userID string) (*models.UserMembership, error) {
	var membership models.UserMembership
	if err := r.db.Where("user_id = ?", strings.TrimSpace(userID)).First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &membership, nil
}

// GetByUserIDForUpdate 加锁获取用户会员
func (r *GormMembershipRepository) GetByUserIDForUpdate(userID string) (*models.UserMembership, error) {
	var membership models.UserMembership
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &membership, nil
}

// EnsureExists 并发写入同一用户时，后到的事务在唯一索引上等待先到者提交
func (r *GormMembershipRepository) EnsureExists(seed *models.UserMembership) error {
	if seed == nil {
		return nil
	}
	row := *seed
	row.ID = 0
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// Upsert 按 user_id 覆盖写入会员记录
func (r *GormMembershipRepository) Upsert(membership *models.UserMembership) error {
	if membership == nil {
		return nil
	}
	row := *membership
	row.ID = 0
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id", "start_date", "end_date", "features", "last_order_id", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return err
	}
	if row.ID != 0 {
		membership.ID = row.ID
	}
	return nil
}
