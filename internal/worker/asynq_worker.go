package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/queue"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/hibiken/asynq"
)

const defaultReconcileBatch = 100

// OrderProcessor 后台任务依赖的支付单能力
type OrderProcessor interface {
	ExpireOrder(ctx context.Context, orderID string) error
	ReconcileStale(ctx context.Context, limit int) (*service.ReconcileSummary, error)
}

// Consumer 异步任务消费者
type Consumer struct {
	orders         OrderProcessor
	reconcileBatch int
}

// NewConsumer 创建消费者
func NewConsumer(orders OrderProcessor, reconcileBatch int) *Consumer {
	if reconcileBatch <= 0 {
		reconcileBatch = defaultReconcileBatch
	}
	return &Consumer{
		orders:         orders,
		reconcileBatch: reconcileBatch,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskOrderExpire, c.handleOrderExpire)
	mux.HandleFunc(queue.TaskReconcile, c.handleReconcile)
}

func (c *Consumer) handleOrderExpire(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil || c.orders == nil {
		logger.Debugw("worker_order_expire_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.OrderExpirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_order_expire_unmarshal_failed", "error", err)
		return err
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		logger.Debugw("worker_order_expire_skip_invalid_payload")
		return nil
	}
	err := c.orders.ExpireOrder(ctx, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrOrderNotFound):
		logger.Debugw("worker_order_expire_skip_order_not_found", "order_id", orderID)
		return nil
	default:
		logger.Warnw("worker_order_expire_failed", "order_id", orderID, "error", err)
		return err
	}
}

func (c *Consumer) handleReconcile(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil || c.orders == nil {
		logger.Debugw("worker_reconcile_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Warnw("worker_reconcile_unmarshal_failed", "error", err)
			return err
		}
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = c.reconcileBatch
	}
	return c.reconcileOnce(ctx, limit)
}

func (c *Consumer) reconcileOnce(ctx context.Context, limit int) error {
	summary, err := c.orders.ReconcileStale(ctx, limit)
	if err != nil {
		logger.Warnw("worker_reconcile_failed", "limit", limit, "error", err)
		return err
	}
	if summary != nil && summary.Failed > 0 {
		logger.Infow("worker_reconcile_partial",
			"scanned", summary.Scanned,
			"applied", summary.Applied,
			"failed", summary.Failed,
		)
	}
	return nil
}
