package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Store 聚合支付相关仓库，并提供事务边界
type Store interface {
	Orders() PaymentOrderRepository
	Plans() MembershipPlanRepository
	Transactions() TransactionRepository
	Memberships() MembershipRepository
	Outbox() OutboxRepository
	// Transaction 在同一事务内执行 fn，fn 返回错误时整体回滚
	Transaction(fn func(tx Store) error) error
}

// GormStore 基于 GORM 的 Store 实现
type GormStore struct {
	db           *gorm.DB
	orders       *GormPaymentOrderRepository
	plans        *GormMembershipPlanRepository
	transactions *GormTransactionRepository
	memberships  *GormMembershipRepository
	outbox       *GormOutboxRepository
}

// NewGormStore 创建 GORM Store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		orders:       NewPaymentOrderRepository(db),
		plans:        NewMembershipPlanRepository(db),
		transactions: NewTransactionRepository(db),
		memberships:  NewMembershipRepository(db),
		outbox:       NewOutboxRepository(db),
	}
}

// DB 返回底层连接
func (s *GormStore) DB() *gorm.DB { return s.db }

// Orders 支付单仓库
func (s *GormStore) Orders() PaymentOrderRepository { return s.orders }

// Plans 套餐仓库
func (s *GormStore) Plans() MembershipPlanRepository { return s.plans }

// Transactions 交易流水仓库
func (s *GormStore) Transactions() TransactionRepository { return s.transactions }

// Memberships 会员仓库
func (s *GormStore) Memberships() MembershipRepository { return s.memberships }

// Outbox 发件箱仓库
func (s *GormStore) Outbox() OutboxRepository { return s.outbox }

// Transaction 开启数据库事务
func (s *GormStore) Transaction(fn func(tx Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// WithTx 返回绑定到 tx 的 Store
func (s *GormStore) WithTx(tx *gorm.DB) *GormStore {
	if tx == nil {
		return s
	}
	return &GormStore{
		db:           tx,
		orders:       s.orders.WithTx(tx),
		plans:        s.plans.WithTx(tx),
		transactions: s.transactions.WithTx(tx),
		memberships:  s.memberships.WithTx(tx),
		outbox:       s.outbox.WithTx(tx),
	}
}

// IsDuplicateKey 判断是否唯一约束冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "sqlstate 23505")
}
