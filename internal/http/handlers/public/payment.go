package public

import (
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/http/handlers/shared"
	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/gin-gonic/gin"
)

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	PaymentMethod string        `json:"paymentMethod"`
	Amount        *models.Money `json:"amount"`
	MembershipID  string        `json:"membershipId" binding:"required"`
	Description   string        `json:"description"`
}

// CreatePaymentResponse 创建支付响应
type CreatePaymentResponse struct {
	OrderID           string       `json:"orderId"`
	Status            string       `json:"status"`
	Amount            models.Money `json:"amount"`
	Currency          string       `json:"currency"`
	PaymentMethod     string       `json:"paymentMethod"`
	ProviderReference string       `json:"providerReference,omitempty"`
	Interaction       string       `json:"interaction"`
	RedirectURL       string       `json:"redirectUrl,omitempty"`
	QRCode            string       `json:"qrCode,omitempty"`
	ClientSecret      string       `json:"clientSecret,omitempty"`
}

// PaymentStatusResponse 支付状态响应
type PaymentStatusResponse struct {
	OrderID       string       `json:"orderId"`
	Status        string       `json:"status"`
	PaymentMethod string       `json:"paymentMethod"`
	Amount        models.Money `json:"amount"`
	Currency      string       `json:"currency"`
	PaidAt        *time.Time   `json:"paidAt,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

var createPaymentErrorRules = shared.ConcatMappedErrors(
	[]shared.MappedError{
		{Target: service.ErrOrderCreateFailed, Code: response.CodeInternal, Msg: "create order failed"},
	},
	shared.PaymentErrorRules,
)

// CreatePayment 创建会员支付单
func (h *Handler) CreatePayment(c *gin.Context) {
	userID, ok := shared.RequireUserID(c)
	if !ok {
		return
	}
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondError(c, response.CodeBadRequest, "invalid request", nil)
		return
	}

	order, handle, err := h.PaymentOrderService.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		UserID:      userID,
		PlanID:      req.MembershipID,
		Provider:    req.PaymentMethod,
		Amount:      req.Amount,
		Description: req.Description,
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		if order != nil {
			requestLog(c).Warnw("payment_create_initiate_failed",
				"order_id", order.OrderID,
				"provider", order.ProviderName,
				"error", err,
			)
		}
		shared.RespondWithMappedError(c, err, createPaymentErrorRules, response.CodeInternal, "create payment failed")
		return
	}
	response.Success(c, buildCreatePaymentResponse(order, handle))
}

// PaymentStatus 查询当前用户的支付单状态
func (h *Handler) PaymentStatus(c *gin.Context) {
	userID, ok := shared.RequireUserID(c)
	if !ok {
		return
	}
	order, err := h.PaymentOrderService.QueryStatus(
		c.Request.Context(),
		userID,
		c.Param("orderId"),
		strings.TrimSpace(c.Query("paymentMethod")),
	)
	if err != nil {
		shared.RespondWithMappedError(c, err, shared.PaymentErrorRules, response.CodeInternal, "query payment failed")
		return
	}
	response.Success(c, buildPaymentStatusResponse(order))
}

func buildCreatePaymentResponse(order *models.PaymentOrder, handle *payment.Handle) CreatePaymentResponse {
	resp := CreatePaymentResponse{
		OrderID:           order.OrderID,
		Status:            order.Status,
		Amount:            order.Amount,
		Currency:          order.Currency,
		PaymentMethod:     order.ProviderName,
		ProviderReference: order.ProviderReference,
		Interaction:       order.InteractionMode,
		RedirectURL:       order.RedirectURL,
		QRCode:            order.QRCode,
		ClientSecret:      order.ClientSecret,
	}
	if handle != nil {
		if handle.ProviderReference != "" {
			resp.ProviderReference = handle.ProviderReference
		}
		if handle.Interaction != "" {
			resp.Interaction = handle.Interaction
		}
		if handle.RedirectURL != "" {
			resp.RedirectURL = handle.RedirectURL
		}
		if handle.QRCode != "" {
			resp.QRCode = handle.QRCode
		}
		if handle.ClientSecret != "" {
			resp.ClientSecret = handle.ClientSecret
		}
	}
	return resp
}

func buildPaymentStatusResponse(order *models.PaymentOrder) PaymentStatusResponse {
	return PaymentStatusResponse{
		OrderID:       order.OrderID,
		Status:        order.Status,
		PaymentMethod: order.ProviderName,
		Amount:        order.Amount,
		Currency:      order.Currency,
		PaidAt:        order.PaidAt,
		UpdatedAt:     order.UpdatedAt,
	}
}
