package public

import (
	"time"

	"github.com/dujiao-next/memberpay/internal/http/handlers/shared"
	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/models"

	"github.com/gin-gonic/gin"
)

// PlanResponse 套餐展示结构
type PlanResponse struct {
	PlanID       string       `json:"planId"`
	DisplayName  string       `json:"displayName"`
	Price        models.Money `json:"price"`
	Currency     string       `json:"currency"`
	DurationDays int          `json:"durationDays"`
	Features     []string     `json:"features"`
}

// MembershipResponse 当前会员结构
type MembershipResponse struct {
	PlanID      string    `json:"planId"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Features    []string  `json:"features"`
	Active      bool      `json:"active"`
	LastOrderID string    `json:"lastOrderId,omitempty"`
}

// ListPlans 可购买套餐列表
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.PaymentOrderService.Catalog().ListPlans(c.Request.Context())
	if err != nil {
		shared.RespondError(c, response.CodeInternal, "list plans failed", err)
		return
	}
	items := make([]PlanResponse, 0, len(plans))
	for _, plan := range plans {
		features := []string(plan.Features)
		if features == nil {
			features = []string{}
		}
		items = append(items, PlanResponse{
			PlanID:       plan.PlanID,
			DisplayName:  plan.DisplayName,
			Price:        plan.Price,
			Currency:     plan.Currency,
			DurationDays: plan.DurationDays,
			Features:     features,
		})
	}
	response.Success(c, items)
}

// MyMembership 当前用户会员状态
func (h *Handler) MyMembership(c *gin.Context) {
	userID, ok := shared.RequireUserID(c)
	if !ok {
		return
	}
	membership, err := h.PaymentOrderService.GetMembership(c.Request.Context(), userID)
	if err != nil {
		shared.RespondWithMappedError(c, err, shared.PaymentErrorRules, response.CodeInternal, "get membership failed")
		return
	}
	features := []string(membership.Features)
	if features == nil {
		features = []string{}
	}
	response.Success(c, MembershipResponse{
		PlanID:      membership.PlanID,
		StartDate:   membership.StartDate,
		EndDate:     membership.EndDate,
		Features:    features,
		Active:      membership.IsActive(time.Now()),
		LastOrderID: membership.LastOrderID,
	})
}
