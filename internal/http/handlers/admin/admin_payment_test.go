package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/provider"
	"github.com/dujiao-next/memberpay/internal/repository"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/gin-gonic/gin"
)

type refundAdapter struct {
	refundStatus string
	refundErr    error
}

func (a *refundAdapter) Name() string { return "stub" }

func (a *refundAdapter) Initiate(_ context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	return &payment.Handle{ProviderReference: "ref-" + order.OrderID, Interaction: constants.PaymentInteractionRedirect}, nil
}

func (a *refundAdapter) ParseCallback(context.Context, []byte, http.Header) (*payment.Result, error) {
	return nil, payment.ErrUnsupported
}

func (a *refundAdapter) Query(_ context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	return &payment.Result{OrderID: order.OrderID, Status: constants.ProviderStatusPending}, nil
}

func (a *refundAdapter) Refund(_ context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	if a.refundErr != nil {
		return nil, a.refundErr
	}
	return &payment.Result{OrderID: order.OrderID, Status: a.refundStatus, Verified: true}, nil
}

func (a *refundAdapter) Close(context.Context, *models.PaymentOrder) error { return nil }

func (a *refundAdapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	return payment.JSONAck(outcome, message)
}

type adminEnv struct {
	svc     *service.PaymentOrderService
	store   *repository.MemoryStore
	adapter *refundAdapter
	router  *gin.Engine
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := repository.NewMemoryStore()
	adapter := &refundAdapter{refundStatus: constants.ProviderStatusRefunded}
	registry := payment.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	svc := service.NewPaymentOrderService(store, registry, service.NewMembershipLedger(""), nil, service.PaymentOptions{})
	if err := svc.Catalog().SeedPlans(context.Background(), []config.PlanConfig{
		{PlanID: "basic", DisplayName: "Basic", Price: "9.99", Currency: "USD", DurationDays: 30},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	h := New(&provider.Container{
		Config:              &config.Config{},
		Store:               store,
		Registry:            registry,
		PaymentOrderService: svc,
	})
	router := gin.New()
	router.GET("/api/admin/payment/orders/:orderId", h.GetPaymentOrder)
	router.POST("/api/admin/payment/orders/:orderId/refund", h.RefundPaymentOrder)
	router.POST("/api/admin/payment/reconcile", h.ReconcilePayments)
	return &adminEnv{svc: svc, store: store, adapter: adapter, router: router}
}

func (e *adminEnv) paidOrder(t *testing.T) *models.PaymentOrder {
	t.Helper()
	order, _, err := e.svc.CreateOrder(context.Background(), service.CreateOrderInput{UserID: "u-1", PlanID: "basic", Provider: "stub"})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	err = e.svc.ApplyProviderUpdate(context.Background(), "stub", order.OrderID, &payment.Result{
		OrderID:  order.OrderID,
		Status:   constants.ProviderStatusPaid,
		Amount:   order.Amount,
		Currency: order.Currency,
		Verified: true,
	})
	if err != nil {
		t.Fatalf("mark paid failed: %v", err)
	}
	return order
}

func (e *adminEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestGetPaymentOrder(t *testing.T) {
	env := newAdminEnv(t)
	order := env.paidOrder(t)
	w := env.do(http.MethodGet, "/api/admin/payment/orders/"+order.OrderID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get order failed: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Success bool                `json:"success"`
		Data    models.PaymentOrder `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Data.Status != constants.OrderStatusPaid {
		t.Fatalf("unexpected status: %s", body.Data.Status)
	}
	if w := env.do(http.MethodGet, "/api/admin/payment/orders/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing order want 404, got %d", w.Code)
	}
}

func TestRefundPaymentOrder(t *testing.T) {
	env := newAdminEnv(t)
	order := env.paidOrder(t)

	w := env.do(http.MethodPost, "/api/admin/payment/orders/"+order.OrderID+"/refund", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refund failed: %d %s", w.Code, w.Body.String())
	}
	stored, _ := env.store.Orders().GetByOrderID(order.OrderID)
	if stored.Status != constants.OrderStatusRefunded {
		t.Fatalf("order should be refunded, got %s", stored.Status)
	}

	// 已退款订单再次退款
	if w := env.do(http.MethodPost, "/api/admin/payment/orders/"+order.OrderID+"/refund", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("second refund want 400, got %d", w.Code)
	}
}

func TestRefundPaymentOrderProviderErrors(t *testing.T) {
	env := newAdminEnv(t)
	order := env.paidOrder(t)

	env.adapter.refundErr = payment.Transient(context.DeadlineExceeded)
	if w := env.do(http.MethodPost, "/api/admin/payment/orders/"+order.OrderID+"/refund", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("transient refund want 502, got %d", w.Code)
	}

	env.adapter.refundErr = nil
	env.adapter.refundStatus = constants.ProviderStatusPending
	w := env.do(http.MethodPost, "/api/admin/payment/orders/"+order.OrderID+"/refund", "")
	if w.Code != http.StatusOK {
		t.Fatalf("processing refund want 200, got %d", w.Code)
	}
	stored, _ := env.store.Orders().GetByOrderID(order.OrderID)
	if stored.Status != constants.OrderStatusPaid {
		t.Fatalf("processing refund keeps order paid, got %s", stored.Status)
	}
}

func TestReconcilePaymentsInline(t *testing.T) {
	env := newAdminEnv(t)
	w := env.do(http.MethodPost, "/api/admin/payment/reconcile", `{"limit":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile failed: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Data service.ReconcileSummary `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Data.Queued {
		t.Fatalf("without queue reconcile must run inline")
	}
	if w := env.do(http.MethodPost, "/api/admin/payment/reconcile", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body want 400, got %d", w.Code)
	}
}
