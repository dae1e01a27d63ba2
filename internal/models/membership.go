package models

import "time"

// MembershipPlan 会员套餐（只读参考数据）
type MembershipPlan struct {
	ID           uint        `gorm:"primarykey" json:"-"`                                  // 主键
	PlanID       string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"plan_id"` // 套餐标识
	DisplayName  string      `gorm:"type:varchar(128);not null" json:"display_name"`       // 展示名称
	Price        Money       `gorm:"type:decimal(20,2);not null" json:"price"`             // 价格
	Currency     string      `gorm:"type:varchar(8);not null" json:"currency"`             // 币种
	DurationDays int         `gorm:"not null" json:"duration_days"`                        // 有效天数
	Features     StringArray `gorm:"type:json" json:"features"`                            // 有序权益列表
	SortOrder    int         `gorm:"default:0;index" json:"sort_order"`                    // 排序权重
	IsActive     bool        `gorm:"not null" json:"is_active"`                            // 是否可购买
	CreatedAt    time.Time   `json:"created_at"`                                           // 创建时间
	UpdatedAt    time.Time   `json:"updated_at"`                                           // 更新时间
}

// TableName 指定表名
func (MembershipPlan) TableName() string {
	return "membership_plans"
}

// IsFree 是否免费套餐
func (p *MembershipPlan) IsFree() bool {
	return p != nil && p.Price.Decimal.IsZero()
}

// Transaction 会员交易流水（每个支付单至多一条）
type Transaction struct {
	ID               uint      `gorm:"primarykey" json:"-"`                                         // 主键
	TransactionID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_id"` // 流水号
	OrderID          string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_id"`       // 支付单号（唯一）
	UserID           string    `gorm:"type:varchar(64);index;not null" json:"user_id"`              // 用户标识
	Amount           Money     `gorm:"type:decimal(20,2);not null" json:"amount"`                   // 金额
	Currency         string    `gorm:"type:varchar(8);not null" json:"currency"`                    // 币种
	PaymentMethod    string    `gorm:"type:varchar(32);not null" json:"payment_method"`             // 支付方式
	MembershipPlanID string    `gorm:"type:varchar(64);not null" json:"membership_plan_id"`         // 会员套餐
	Status           string    `gorm:"type:varchar(32);index;not null" json:"status"`               // 流水状态
	CreatedAt        time.Time `gorm:"index" json:"created_at"`                                     // 创建时间
	UpdatedAt        time.Time `json:"updated_at"`                                                  // 更新时间
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}

// UserMembership 用户当前会员状态
type UserMembership struct {
	ID          uint        `gorm:"primarykey" json:"-"`                                  // 主键
	UserID      string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户标识
	PlanID      string      `gorm:"type:varchar(64);not null" json:"plan_id"`             // 当前套餐
	StartDate   time.Time   `gorm:"not null" json:"start_date"`                           // 生效时间
	EndDate     time.Time   `gorm:"index;not null" json:"end_date"`                       // 到期时间
	Features    StringArray `gorm:"type:json" json:"features"`                            // 权益快照
	LastOrderID string      `gorm:"type:varchar(32)" json:"last_order_id"`                // 最近生效的支付单
	CreatedAt   time.Time   `json:"created_at"`                                           // 创建时间
	UpdatedAt   time.Time   `json:"updated_at"`                                           // 更新时间
}

// TableName 指定表名
func (UserMembership) TableName() string {
	return "user_memberships"
}

// IsActive 判断会员在给定时间点是否有效
func (m *UserMembership) IsActive(now time.Time) bool {
	return m != nil && m.EndDate.After(now)
}
