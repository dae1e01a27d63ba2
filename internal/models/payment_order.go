package models

import (
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
)

// PaymentOrder 会员支付单
type PaymentOrder struct {
	ID                uint       `gorm:"primarykey" json:"-"`                                       // 主键
	OrderID           string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_id"`     // 支付单号
	UserID            string     `gorm:"type:varchar(64);index;not null" json:"user_id"`            // 用户标识
	MembershipPlanID  string     `gorm:"type:varchar(64);index;not null" json:"membership_plan_id"` // 会员套餐
	Amount            Money      `gorm:"type:decimal(20,2);not null" json:"amount"`                 // 支付金额
	Currency          string     `gorm:"type:varchar(8);not null" json:"currency"`                  // 币种
	ProviderName      string     `gorm:"type:varchar(32);index;not null" json:"provider_name"`      // 支付渠道
	Status            string     `gorm:"type:varchar(32);index;not null" json:"status"`             // 支付单状态
	ProviderReference string     `gorm:"type:varchar(128);index" json:"provider_reference"`         // 渠道侧单号
	ProviderTradeNo   string     `gorm:"type:varchar(128)" json:"provider_trade_no"`                // 渠道侧交易流水号
	InteractionMode   string     `gorm:"type:varchar(32)" json:"interaction_mode"`                  // 交互方式
	RedirectURL       string     `gorm:"type:text" json:"redirect_url,omitempty"`                   // 跳转链接
	QRCode            string     `gorm:"type:text" json:"qr_code,omitempty"`                        // 二维码内容
	ClientSecret      string     `gorm:"type:text" json:"-"`                                        // 前端支付凭据
	Description       string     `gorm:"type:varchar(255)" json:"description"`                      // 订单描述
	ClientIP          string     `gorm:"type:varchar(64)" json:"-"`                                 // 下单客户端 IP
	ProviderPayload   JSON       `gorm:"type:json" json:"provider_payload,omitempty"`               // 最近一次渠道回报
	PaidAt            *time.Time `gorm:"index" json:"paid_at,omitempty"`                            // 支付时间
	LastReconciledAt  *time.Time `json:"last_reconciled_at,omitempty"`                              // 最近对账时间
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`                                   // 创建时间
	UpdatedAt         time.Time  `gorm:"index" json:"updated_at"`                                   // 更新时间
}

// TableName 指定表名
func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// IsTerminal 是否处于终态
func (o *PaymentOrder) IsTerminal() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case constants.OrderStatusFailed, constants.OrderStatusCancelled, constants.OrderStatusRefunded:
		return true
	default:
		return false
	}
}
