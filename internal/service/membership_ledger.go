package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/repository"

	"github.com/google/uuid"
)

// DefaultMembershipTopic 会员事件默认投递主题
const DefaultMembershipTopic = "memberpay.membership"

// MembershipLedger 会员入账
// 所有写操作都在调用方传入的事务 Store 上执行
type MembershipLedger struct {
	topic string
	now   func() time.Time
}

// NewMembershipLedger 创建会员入账
func NewMembershipLedger(topic string) *MembershipLedger {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultMembershipTopic
	}
	return &MembershipLedger{topic: topic, now: time.Now}
}

// Finalize 将已支付订单转换为交易流水并叠加会员时长
func (l *MembershipLedger) Finalize(ctx context.Context, tx repository.Store, order *models.PaymentOrder) (*models.Transaction, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	existing, err := tx.Transactions().GetByOrderID(order.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.FinalizationsTotal.WithLabelValues(order.ProviderName, "duplicate").Inc()
		return nil, ErrAlreadyFinalized
	}
	plan, err := tx.Plans().GetByPlanID(order.MembershipPlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	now := l.now()
	txn := &models.Transaction{
		TransactionID:    uuid.NewString(),
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		Amount:           order.Amount,
		Currency:         order.Currency,
		PaymentMethod:    order.ProviderName,
		MembershipPlanID: order.MembershipPlanID,
		Status:           constants.TransactionStatusCompleted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.Transactions().Create(txn); err != nil {
		if repository.IsDuplicateKey(err) {
			metrics.FinalizationsTotal.WithLabelValues(order.ProviderName, "duplicate").Inc()
			return nil, ErrAlreadyFinalized
		}
		return nil, err
	}

	// 占位行的 end_date 为 now，不会延长叠加基准
	if err := tx.Memberships().EnsureExists(&models.UserMembership{
		UserID:    order.UserID,
		PlanID:    plan.PlanID,
		StartDate: now,
		EndDate:   now,
		Features:  plan.Features.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	current, err := tx.Memberships().GetByUserIDForUpdate(order.UserID)
	if err != nil {
		return nil, err
	}
	base := now
	if current != nil && current.EndDate.After(base) {
		base = current.EndDate
	}
	membership := &models.UserMembership{
		UserID:      order.UserID,
		PlanID:      plan.PlanID,
		StartDate:   now,
		EndDate:     base.AddDate(0, 0, plan.DurationDays),
		Features:    plan.Features.Clone(),
		LastOrderID: order.OrderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Memberships().Upsert(membership); err != nil {
		return nil, err
	}

	if err := l.appendEvent(tx, constants.EventMembershipGranted, order, models.JSON{
		"transaction_id": txn.TransactionID,
		"plan_id":        plan.PlanID,
		"amount":         order.Amount.String(),
		"currency":       order.Currency,
		"start_date":     membership.StartDate.UTC().Format(time.RFC3339),
		"end_date":       membership.EndDate.UTC().Format(time.RFC3339),
		"features":       []string(membership.Features),
	}, now); err != nil {
		return nil, err
	}
	metrics.FinalizationsTotal.WithLabelValues(order.ProviderName, "granted").Inc()
	return txn, nil
}

// Revoke 退款后撤销本单带来的会员时长
func (l *MembershipLedger) Revoke(ctx context.Context, tx repository.Store, order *models.PaymentOrder) error {
	if order == nil {
		return ErrOrderNotFound
	}
	txn, err := tx.Transactions().GetByOrderID(order.OrderID)
	if err != nil {
		return err
	}
	if txn == nil {
		return fmt.Errorf("%w: no transaction for order %s", ErrOrderNotPaid, order.OrderID)
	}
	if txn.Status == constants.TransactionStatusRefunded {
		return nil
	}
	if err := tx.Transactions().UpdateStatus(order.OrderID, constants.TransactionStatusRefunded); err != nil {
		return err
	}

	now := l.now()
	payload := models.JSON{
		"transaction_id": txn.TransactionID,
		"plan_id":        order.MembershipPlanID,
		"amount":         order.Amount.String(),
		"currency":       order.Currency,
	}
	membership, err := tx.Memberships().GetByUserIDForUpdate(order.UserID)
	if err != nil {
		return err
	}
	if membership != nil && (membership.LastOrderID == order.OrderID || membership.EndDate.After(now)) {
		plan, err := tx.Plans().GetByPlanID(order.MembershipPlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return ErrPlanNotFound
		}
		end := membership.EndDate.AddDate(0, 0, -plan.DurationDays)
		if end.Before(now) {
			end = now
		}
		membership.EndDate = end
		membership.UpdatedAt = now
		if err := tx.Memberships().Upsert(membership); err != nil {
			return err
		}
		payload["end_date"] = end.UTC().Format(time.RFC3339)
	}

	if err := l.appendEvent(tx, constants.EventMembershipRevoked, order, payload, now); err != nil {
		return err
	}
	metrics.FinalizationsTotal.WithLabelValues(order.ProviderName, "revoked").Inc()
	return nil
}

func (l *MembershipLedger) appendEvent(tx repository.Store, eventType string, order *models.PaymentOrder, payload models.JSON, now time.Time) error {
	payload["event_type"] = eventType
	payload["order_id"] = order.OrderID
	payload["user_id"] = order.UserID
	payload["occurred_at"] = now.UTC().Format(time.RFC3339)
	event := &models.OutboxEvent{
		EventID:     uuid.NewString(),
		Topic:       l.topic,
		AggregateID: order.OrderID,
		EventType:   eventType,
		Payload:     payload,
		Status:      constants.OutboxStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Outbox().Create(event); err != nil {
		return fmt.Errorf("append outbox event %s failed: %w", eventType, err)
	}
	return nil
}
