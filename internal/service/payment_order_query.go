package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
)

// ReconcileSummary 批量对账结果
type ReconcileSummary struct {
	Scanned int      `json:"scanned"`
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Queued  bool     `json:"queued"`
	Errors  []string `json:"errors,omitempty"`
}

// GetOrder 获取支付单
func (s *PaymentOrderService) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrOrderNotFound
	}
	order, err := s.store.Orders().GetByOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// QueryStatus 查询用户自己的支付单状态，长时间未回调的订单会先主动对账
func (s *PaymentOrderService) QueryStatus(ctx context.Context, userID, orderID, provider string) (*models.PaymentOrder, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != strings.TrimSpace(userID) {
		return nil, ErrOrderNotFound
	}
	if provider = payment.NormalizeName(provider); provider != "" && provider != order.ProviderName {
		return nil, ErrProviderMismatch
	}
	if !s.isStale(order) {
		return order, nil
	}
	if err := s.reconcile(ctx, order); err != nil {
		paymentLogger("order_id", order.OrderID, "provider", order.ProviderName).
			Warnw("payment_status_reconcile_failed", "error", err)
		return order, nil
	}
	if refreshed, err := s.store.Orders().GetByOrderID(order.OrderID); err == nil && refreshed != nil {
		return refreshed, nil
	}
	return order, nil
}

func (s *PaymentOrderService) isStale(order *models.PaymentOrder) bool {
	return order.Status == constants.OrderStatusAwaitingPayment &&
		s.now().Sub(order.CreatedAt) >= s.options.StaleAfter
}

// reconcile 主动查单并应用结果
func (s *PaymentOrderService) reconcile(ctx context.Context, order *models.PaymentOrder) error {
	adapter, ok := s.registry.Get(order.ProviderName)
	if !ok {
		return ErrProviderNotFound
	}
	result, err := adapter.Query(ctx, order)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(order.ProviderName, "failed").Inc()
		return err
	}
	if err := s.store.Orders().UpdateFields(order.OrderID, map[string]interface{}{
		"last_reconciled_at": s.now(),
	}); err != nil {
		paymentLogger("order_id", order.OrderID).Warnw("payment_reconcile_mark_failed", "error", err)
	}
	if result == nil {
		return nil
	}
	if err := s.ApplyProviderUpdate(ctx, order.ProviderName, order.OrderID, result); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(order.ProviderName, "failed").Inc()
		return err
	}
	metrics.ReconciliationsTotal.WithLabelValues(order.ProviderName, "applied").Inc()
	return nil
}

// ReconcileStale 扫描超时未回调的待支付订单并逐一对账
func (s *PaymentOrderService) ReconcileStale(ctx context.Context, limit int) (*ReconcileSummary, error) {
	before := s.now().Add(-s.options.StaleAfter)
	orders, err := s.store.Orders().ListStaleAwaiting(before, limit)
	if err != nil {
		return nil, err
	}
	summary := &ReconcileSummary{Scanned: len(orders)}
	for i := range orders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		order := &orders[i]
		if err := s.reconcile(ctx, order); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", order.OrderID, err))
			paymentLogger("order_id", order.OrderID, "provider", order.ProviderName).
				Warnw("payment_reconcile_failed", "error", err)
			continue
		}
		summary.Applied++
	}
	if summary.Scanned > 0 {
		paymentLogger().Infow("payment_reconcile_completed",
			"scanned", summary.Scanned,
			"applied", summary.Applied,
			"failed", summary.Failed,
		)
	}
	return summary, nil
}

// TriggerReconcile 队列可用时投递对账任务，否则同步执行
func (s *PaymentOrderService) TriggerReconcile(ctx context.Context, limit int) (*ReconcileSummary, error) {
	if s.queue != nil && s.queue.Enabled() {
		if err := s.queue.EnqueueReconcile(); err != nil {
			return nil, err
		}
		return &ReconcileSummary{Queued: true}, nil
	}
	return s.ReconcileStale(ctx, limit)
}

// ExpireOrder 超时关闭：对账确认未支付并关闭渠道侧交易后才取消，任一步失败返回错误交由队列重试
func (s *PaymentOrderService) ExpireOrder(ctx context.Context, orderID string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != constants.OrderStatusAwaitingPayment {
		return nil
	}
	log := paymentLogger("order_id", order.OrderID, "provider", order.ProviderName)
	if err := s.reconcile(ctx, order); err != nil {
		log.Warnw("payment_expire_reconcile_failed", "error", err)
		return fmt.Errorf("%w: %w", ErrExpireDeferred, err)
	}
	if order, err = s.GetOrder(ctx, order.OrderID); err != nil {
		return err
	}
	if order.Status != constants.OrderStatusAwaitingPayment {
		return nil
	}

	adapter, ok := s.registry.Get(order.ProviderName)
	if !ok {
		return ErrProviderNotFound
	}
	if err := adapter.Close(ctx, order); err != nil {
		log.Warnw("payment_expire_close_failed", "error", err)
		// 关闭失败可能是买家刚刚完成支付
		if reErr := s.reconcile(ctx, order); reErr != nil {
			log.Warnw("payment_expire_reconcile_failed", "error", reErr)
		}
		if current, getErr := s.GetOrder(ctx, order.OrderID); getErr == nil && current.Status != constants.OrderStatusAwaitingPayment {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrExpireDeferred, err)
	}

	moved, err := s.store.Orders().TransitionStatus(order.OrderID,
		[]string{constants.OrderStatusAwaitingPayment}, constants.OrderStatusCancelled, nil)
	if err != nil {
		return ErrOrderUpdateFailed
	}
	if moved {
		log.Infow("payment_order_expired")
	}
	return nil
}

// RefundOrder 管理端发起全额退款
func (s *PaymentOrderService) RefundOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != constants.OrderStatusPaid {
		return nil, ErrOrderNotPaid
	}
	log := paymentLogger("order_id", order.OrderID, "provider", order.ProviderName)

	result := &payment.Result{
		OrderID: order.OrderID,
		Status:  constants.ProviderStatusRefunded,
	}
	if order.ProviderName != constants.ProviderFree {
		adapter, ok := s.registry.Get(order.ProviderName)
		if !ok {
			return nil, ErrProviderNotFound
		}
		result, err = adapter.Refund(ctx, order)
		if err != nil {
			log.Warnw("payment_refund_request_failed", "error", err)
			return nil, err
		}
		if result == nil {
			return nil, fmt.Errorf("%w: empty refund result", payment.ErrRejected)
		}
		result.Amount = models.Money{}
	}
	switch result.Status {
	case constants.ProviderStatusRefunded:
		if err := s.ApplyProviderUpdate(ctx, order.ProviderName, order.OrderID, result); err != nil {
			return nil, err
		}
	case constants.ProviderStatusPending:
		log.Infow("payment_refund_processing")
	default:
		return nil, fmt.Errorf("%w: refund status %s", payment.ErrRejected, result.Status)
	}
	return s.GetOrder(ctx, order.OrderID)
}

// GetMembership 获取用户当前会员
func (s *PaymentOrderService) GetMembership(ctx context.Context, userID string) (*models.UserMembership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}
	membership, err := s.store.Memberships().GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if membership == nil {
		return nil, ErrMembershipNotFound
	}
	return membership, nil
}

// IsIdempotentOutcome 回调处理中可视为成功的错误
func IsIdempotentOutcome(err error) bool {
	return err == nil || errors.Is(err, ErrAlreadyFinalized)
}
