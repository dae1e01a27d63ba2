package queue

import (
	"encoding/json"
	"strings"

	"github.com/dujiao-next/memberpay/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskOrderExpire 支付单超时关闭任务
	TaskOrderExpire = constants.TaskOrderExpire
	// TaskReconcile 批量对账任务
	TaskReconcile = constants.TaskReconcile
)

// OrderExpirePayload 超时关闭任务载荷
type OrderExpirePayload struct {
	OrderID string `json:"order_id"`
}

// ReconcilePayload 对账任务载荷
type ReconcilePayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewOrderExpireTask 创建超时关闭任务
func NewOrderExpireTask(payload OrderExpirePayload) (*asynq.Task, error) {
	payload.OrderID = strings.TrimSpace(payload.OrderID)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrderExpire, body), nil
}

// NewReconcileTask 创建对账任务
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, body), nil
}
