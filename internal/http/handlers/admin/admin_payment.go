package admin

import (
	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/http/handlers/shared"
	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/gin-gonic/gin"
)

const defaultReconcileLimit = 100

// ReconcileRequest 手动对账请求
type ReconcileRequest struct {
	Limit int `json:"limit"`
}

var refundErrorRules = shared.ConcatMappedErrors(
	[]shared.MappedError{
		{Target: service.ErrOrderUpdateFailed, Code: response.CodeInternal, Msg: "refund apply failed"},
	},
	shared.PaymentErrorRules,
)

// GetPaymentOrder 查看支付单详情
func (h *Handler) GetPaymentOrder(c *gin.Context) {
	order, err := h.PaymentOrderService.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		shared.RespondWithMappedError(c, err, shared.PaymentErrorRules, response.CodeInternal, "get order failed")
		return
	}
	response.Success(c, order)
}

// RefundPaymentOrder 全额退款并撤销会员
func (h *Handler) RefundPaymentOrder(c *gin.Context) {
	orderID := c.Param("orderId")
	order, err := h.PaymentOrderService.RefundOrder(c.Request.Context(), orderID)
	if err != nil {
		shared.RespondWithMappedError(c, err, refundErrorRules, response.CodeInternal, "refund failed")
		return
	}
	shared.RequestLog(c).Infow("admin_payment_refund_requested",
		"operator", shared.GetContextString(c, constants.ContextKeyUserID),
		"order_id", order.OrderID,
		"status", order.Status,
	)
	response.Success(c, order)
}

// ReconcilePayments 触发待支付订单对账，队列可用时异步执行
func (h *Handler) ReconcilePayments(c *gin.Context) {
	var req ReconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			shared.RespondError(c, response.CodeBadRequest, "invalid request", nil)
			return
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
		if h.Config != nil && h.Config.Queue.ReconcileBatchSize > 0 {
			limit = h.Config.Queue.ReconcileBatchSize
		}
	}
	summary, err := h.PaymentOrderService.TriggerReconcile(c.Request.Context(), limit)
	if err != nil {
		shared.RespondError(c, response.CodeInternal, "reconcile failed", err)
		return
	}
	response.Success(c, summary)
}
