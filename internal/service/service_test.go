package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/repository"

	"gorm.io/gorm/logger"
)

type fakeAdapter struct {
	name string

	mu           sync.Mutex
	initiateErr  error
	queryResult  *payment.Result
	queryErr     error
	refundResult *payment.Result
	refundErr    error
	closeErr     error
	initiated    []string
	queried      []string
	closed       []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, order.OrderID)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &payment.Handle{
		ProviderReference: "pi_" + order.OrderID,
		Interaction:       constants.PaymentInteractionClientSecret,
		ClientSecret:      "pi_" + order.OrderID + "_secret",
	}, nil
}

func (f *fakeAdapter) ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*payment.Result, error) {
	return nil, payment.ErrUnsupported
}

func (f *fakeAdapter) Query(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, order.OrderID)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryResult == nil {
		return &payment.Result{OrderID: order.OrderID, Status: constants.ProviderStatusPending}, nil
	}
	out := *f.queryResult
	out.OrderID = order.OrderID
	return &out, nil
}

func (f *fakeAdapter) Refund(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	if f.refundResult != nil {
		return f.refundResult, nil
	}
	return &payment.Result{OrderID: order.OrderID, Status: constants.ProviderStatusRefunded, Amount: order.Amount}, nil
}

func (f *fakeAdapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, order.OrderID)
	return f.closeErr
}

func (f *fakeAdapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	return payment.JSONAck(outcome, message)
}

type fakeQueue struct {
	mu         sync.Mutex
	enabled    bool
	expires    []string
	delays     []time.Duration
	reconciles int
}

func (q *fakeQueue) Enabled() bool { return q.enabled }

func (q *fakeQueue) EnqueueOrderExpire(orderID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expires = append(q.expires, orderID)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *fakeQueue) EnqueueReconcile() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconciles++
	return nil
}

func boolPtr(v bool) *bool { return &v }

var testPlans = []config.PlanConfig{
	{PlanID: "free", DisplayName: "Free", Price: "0", Currency: "USD", DurationDays: 7, Features: []string{"basic_access"}},
	{PlanID: "basic", DisplayName: "Basic", Price: "9.99", Currency: "USD", DurationDays: 30, Features: []string{"basic_access", "hd"}, SortOrder: 1},
	{PlanID: "premium", DisplayName: "Premium", Price: "29.99", Currency: "USD", DurationDays: 30, Features: []string{"basic_access", "hd", "offline"}, SortOrder: 2},
	{PlanID: "legacy", DisplayName: "Legacy", Price: "4.99", Currency: "USD", DurationDays: 30, Active: boolPtr(false)},
}

func newGormStore(t *testing.T) *repository.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := models.OpenDB("sqlite", dsn, models.DBPoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, logger.Silent)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := models.MigrateDB(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return repository.NewGormStore(db)
}

func testStores(t *testing.T) map[string]repository.Store {
	return map[string]repository.Store{
		"gorm":   newGormStore(t),
		"memory": repository.NewMemoryStore(),
	}
}

type testHarness struct {
	svc    *PaymentOrderService
	store  repository.Store
	stripe *fakeAdapter
	queue  *fakeQueue
	clock  time.Time
}

func newHarness(t *testing.T, store repository.Store) *testHarness {
	t.Helper()
	registry := payment.NewRegistry()
	stripe := &fakeAdapter{name: constants.ProviderStripe}
	if err := registry.Register(stripe); err != nil {
		t.Fatalf("register adapter failed: %v", err)
	}
	queue := &fakeQueue{enabled: true}
	svc := NewPaymentOrderService(store, registry, NewMembershipLedger(""), queue, PaymentOptions{
		ExpireAfter: 15 * time.Minute,
		StaleAfter:  2 * time.Minute,
	})
	if err := svc.Catalog().SeedPlans(context.Background(), testPlans); err != nil {
		t.Fatalf("seed plans failed: %v", err)
	}
	h := &testHarness{svc: svc, store: store, stripe: stripe, queue: queue}
	h.setClock(time.Now().Truncate(time.Second))
	return h
}

func (h *testHarness) setClock(now time.Time) {
	h.clock = now
	h.svc.now = func() time.Time { return now }
	h.svc.ledger.now = func() time.Time { return now }
}

func (h *testHarness) createBasic(t *testing.T, userID string) *models.PaymentOrder {
	t.Helper()
	order, handle, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:   userID,
		PlanID:   "basic",
		Provider: constants.ProviderStripe,
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if handle == nil || handle.ClientSecret == "" {
		t.Fatalf("expected client secret handle, got %+v", handle)
	}
	return order
}

func paidResult(order *models.PaymentOrder) *payment.Result {
	return &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   "ch_" + order.OrderID,
		Status:            constants.ProviderStatusPaid,
		Amount:            order.Amount,
		Currency:          order.Currency,
		Verified:          true,
	}
}

func mustOrder(t *testing.T, store repository.Store, orderID string) *models.PaymentOrder {
	t.Helper()
	order, err := store.Orders().GetByOrderID(orderID)
	if err != nil || order == nil {
		t.Fatalf("get order %s failed: %v", orderID, err)
	}
	return order
}

func TestCreateOrderAndFinalizeStripeBasic(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			order := h.createBasic(t, "u1")
			if order.Status != constants.OrderStatusAwaitingPayment {
				t.Fatalf("expected awaiting_payment, got %s", order.Status)
			}
			if len(order.OrderID) != 20 {
				t.Fatalf("unexpected order id format: %s", order.OrderID)
			}
			if !order.Amount.Equal(models.MustMoney("9.99")) || order.Currency != "USD" {
				t.Fatalf("unexpected amount: %s %s", order.Amount, order.Currency)
			}
			if len(h.queue.expires) != 1 || h.queue.expires[0] != order.OrderID || h.queue.delays[0] != 15*time.Minute {
				t.Fatalf("expected expire task, got %+v %+v", h.queue.expires, h.queue.delays)
			}
			stored := mustOrder(t, store, order.OrderID)
			if stored.ProviderReference != "pi_"+order.OrderID || stored.InteractionMode != constants.PaymentInteractionClientSecret {
				t.Fatalf("handle not persisted: %+v", stored)
			}

			if err := h.svc.ApplyProviderUpdate(context.Background(), constants.ProviderStripe, "", &payment.Result{
				ProviderReference: stored.ProviderReference,
				ProviderTradeNo:   "ch_1",
				Status:            constants.ProviderStatusPaid,
				Amount:            models.MustMoney("9.99"),
				Currency:          "usd",
				Verified:          true,
			}); err != nil {
				t.Fatalf("apply paid failed: %v", err)
			}

			stored = mustOrder(t, store, order.OrderID)
			if stored.Status != constants.OrderStatusPaid || stored.ProviderTradeNo != "ch_1" || stored.PaidAt == nil {
				t.Fatalf("order not paid: %+v", stored)
			}
			txn, err := store.Transactions().GetByOrderID(order.OrderID)
			if err != nil || txn == nil {
				t.Fatalf("transaction missing: %v", err)
			}
			if txn.Status != constants.TransactionStatusCompleted || txn.UserID != "u1" || txn.PaymentMethod != constants.ProviderStripe {
				t.Fatalf("unexpected transaction: %+v", txn)
			}
			membership, err := h.svc.GetMembership(context.Background(), "u1")
			if err != nil {
				t.Fatalf("get membership failed: %v", err)
			}
			if membership.PlanID != "basic" || membership.LastOrderID != order.OrderID {
				t.Fatalf("unexpected membership: %+v", membership)
			}
			if !membership.EndDate.Equal(h.clock.AddDate(0, 0, 30)) {
				t.Fatalf("unexpected end date: %s", membership.EndDate)
			}
			if len(membership.Features) != 2 || membership.Features[1] != "hd" {
				t.Fatalf("features not copied in order: %+v", membership.Features)
			}
			events, err := store.Outbox().ListPending(10)
			if err != nil || len(events) != 1 {
				t.Fatalf("expected one outbox event, got %d (%v)", len(events), err)
			}
			if events[0].EventType != constants.EventMembershipGranted || events[0].AggregateID != order.OrderID {
				t.Fatalf("unexpected outbox event: %+v", events[0])
			}
		})
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, repository.NewMemoryStore())
	ctx := context.Background()

	wrong := models.MustMoney("1.00")
	cases := []struct {
		name  string
		input CreateOrderInput
		want  error
	}{
		{"missing user", CreateOrderInput{PlanID: "basic", Provider: "stripe"}, ErrInvalidInput},
		{"unknown plan", CreateOrderInput{UserID: "u1", PlanID: "gold", Provider: "stripe"}, ErrPlanNotFound},
		{"inactive plan", CreateOrderInput{UserID: "u1", PlanID: "legacy", Provider: "stripe"}, ErrPlanInactive},
		{"amount mismatch", CreateOrderInput{UserID: "u1", PlanID: "basic", Provider: "stripe", Amount: &wrong}, ErrInvalidAmount},
		{"unknown provider", CreateOrderInput{UserID: "u1", PlanID: "basic", Provider: "bitcoin"}, ErrProviderNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.svc.CreateOrder(ctx, tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(h.stripe.initiated) != 0 {
		t.Fatalf("provider must not be called for invalid input")
	}

	exact := models.MustMoney("9.99")
	if _, _, err := h.svc.CreateOrder(ctx, CreateOrderInput{UserID: "u1", PlanID: "basic", Provider: "Stripe", Amount: &exact}); err != nil {
		t.Fatalf("matching client amount should pass: %v", err)
	}
}

func TestCreateOrderInitiateFailureMarksFailed(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	h.stripe.initiateErr = payment.Transient(errors.New("connection reset"))

	order, handle, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{UserID: "u1", PlanID: "basic", Provider: "stripe"})
	if !errors.Is(err, payment.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if handle != nil || order == nil {
		t.Fatalf("expected failed order without handle")
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
	if len(h.queue.expires) != 0 {
		t.Fatalf("failed order must not schedule expiry")
	}
}

func TestFreeTierGrantsWithoutProvider(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			order, handle, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{UserID: "u2", PlanID: "free"})
			if err != nil {
				t.Fatalf("create free order failed: %v", err)
			}
			if order.Status != constants.OrderStatusPaid || order.ProviderName != constants.ProviderFree {
				t.Fatalf("unexpected free order: %+v", order)
			}
			if handle.Interaction != constants.PaymentInteractionNone {
				t.Fatalf("unexpected handle: %+v", handle)
			}
			if count, _ := store.Transactions().CountByOrderID(order.OrderID); count != 1 {
				t.Fatalf("expected one transaction, got %d", count)
			}
			membership, err := h.svc.GetMembership(context.Background(), "u2")
			if err != nil || membership.PlanID != "free" {
				t.Fatalf("membership not granted: %+v %v", membership, err)
			}
			if len(h.stripe.initiated) != 0 || len(h.queue.expires) != 0 {
				t.Fatalf("free tier must not touch provider or queue")
			}
		})
	}
}

func TestDuplicateCallbacksFinalizeOnce(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			order := h.createBasic(t, "u1")
			result := paidResult(mustOrder(t, store, order.OrderID))

			const workers = 16
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- h.svc.ApplyProviderUpdate(context.Background(), constants.ProviderStripe, order.OrderID, result)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("duplicate callback returned error: %v", err)
				}
			}

			if count, _ := store.Transactions().CountByOrderID(order.OrderID); count != 1 {
				t.Fatalf("expected exactly one transaction, got %d", count)
			}
			membership, _ := store.Memberships().GetByUserID("u1")
			if membership == nil || !membership.EndDate.Equal(h.clock.AddDate(0, 0, 30)) {
				t.Fatalf("membership extended more than once: %+v", membership)
			}
			if events, _ := store.Outbox().ListPending(50); len(events) != 1 {
				t.Fatalf("expected one outbox event, got %d", len(events))
			}
		})
	}
}

func TestRenewalStacksOnRemainingTime(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			first := h.createBasic(t, "u1")
			if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", first.OrderID, paidResult(first)); err != nil {
				t.Fatalf("first payment failed: %v", err)
			}
			h.setClock(h.clock.Add(24 * time.Hour))
			second := h.createBasic(t, "u1")
			if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", second.OrderID, paidResult(second)); err != nil {
				t.Fatalf("second payment failed: %v", err)
			}
			membership, _ := store.Memberships().GetByUserID("u1")
			want := h.clock.Add(-24*time.Hour).AddDate(0, 0, 60)
			if !membership.EndDate.Equal(want) {
				t.Fatalf("expected end %s, got %s", want, membership.EndDate)
			}
			if !membership.StartDate.Equal(h.clock) || membership.LastOrderID != second.OrderID {
				t.Fatalf("unexpected membership after renewal: %+v", membership)
			}
		})
	}
}

func TestConcurrentRenewalsStack(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			orders := []*models.PaymentOrder{h.createBasic(t, "u1"), h.createBasic(t, "u1")}

			var wg sync.WaitGroup
			errs := make(chan error, len(orders))
			for _, order := range orders {
				wg.Add(1)
				go func(order *models.PaymentOrder) {
					defer wg.Done()
					errs <- h.svc.ApplyProviderUpdate(context.Background(), constants.ProviderStripe, order.OrderID, paidResult(order))
				}(order)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("apply paid failed: %v", err)
				}
			}

			membership, _ := store.Memberships().GetByUserID("u1")
			if membership == nil || !membership.EndDate.Equal(h.clock.AddDate(0, 0, 60)) {
				t.Fatalf("both renewals must stack, got %+v", membership)
			}
		})
	}
}

func TestExpiredMembershipRestartsFromNow(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	if err := store.Memberships().Upsert(&models.UserMembership{
		UserID:  "u1",
		PlanID:  "basic",
		EndDate: h.clock.AddDate(0, 0, -3),
	}); err != nil {
		t.Fatalf("seed membership failed: %v", err)
	}
	order := h.createBasic(t, "u1")
	if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", order.OrderID, paidResult(order)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	membership, _ := store.Memberships().GetByUserID("u1")
	if !membership.EndDate.Equal(h.clock.AddDate(0, 0, 30)) {
		t.Fatalf("expired membership must restart from now, got %s", membership.EndDate)
	}
}

func TestAmountMismatchLeavesOrderUntouched(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	order := h.createBasic(t, "u1")
	result := paidResult(order)
	result.Amount = models.MustMoney("0.01")

	if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", order.OrderID, result); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("order must stay awaiting, got %s", stored.Status)
	}
	if count, _ := store.Transactions().CountByOrderID(order.OrderID); count != 0 {
		t.Fatalf("no transaction expected on mismatch")
	}
}

func TestTerminalOrdersIgnoreUpdates(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	order := h.createBasic(t, "u1")
	if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", order.OrderID, &payment.Result{Status: constants.ProviderStatusFailed}); err != nil {
		t.Fatalf("apply failed status: %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", order.OrderID, paidResult(order)); err != nil {
		t.Fatalf("late paid callback should be a no-op: %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusFailed {
		t.Fatalf("terminal status changed: %s", stored.Status)
	}
	if count, _ := store.Transactions().CountByOrderID(order.OrderID); count != 0 {
		t.Fatalf("terminal order must not be finalized")
	}
}

func TestApplyProviderUpdateEdgeCases(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	order := h.createBasic(t, "u1")
	ctx := context.Background()

	if err := h.svc.ApplyProviderUpdate(ctx, "stripe", order.OrderID, &payment.Result{Status: constants.ProviderStatusPending}); err != nil {
		t.Fatalf("pending should be a no-op: %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("pending changed status: %s", stored.Status)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, "stripe", "NOPE", paidResult(order)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, "stripe", "", &payment.Result{ProviderReference: "pi_unknown", Status: "paid"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found by reference, got %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, "paypal", order.OrderID, paidResult(order)); !errors.Is(err, ErrProviderMismatch) {
		t.Fatalf("expected provider mismatch, got %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, "stripe", order.OrderID, &payment.Result{Status: "weird"}); !errors.Is(err, ErrStatusInvalid) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, "stripe", order.OrderID, &payment.Result{Status: constants.ProviderStatusRefunded}); err != nil {
		t.Fatalf("refund of unpaid order should be ignored: %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("unexpected status: %s", stored.Status)
	}
}

func TestRefundOrderRevokesMembership(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			ctx := context.Background()
			order := h.createBasic(t, "u1")
			if _, err := h.svc.RefundOrder(ctx, order.OrderID); !errors.Is(err, ErrOrderNotPaid) {
				t.Fatalf("expected not paid, got %v", err)
			}
			if err := h.svc.ApplyProviderUpdate(ctx, "stripe", order.OrderID, paidResult(order)); err != nil {
				t.Fatalf("apply paid failed: %v", err)
			}

			refunded, err := h.svc.RefundOrder(ctx, order.OrderID)
			if err != nil {
				t.Fatalf("refund failed: %v", err)
			}
			if refunded.Status != constants.OrderStatusRefunded {
				t.Fatalf("expected refunded, got %s", refunded.Status)
			}
			txn, _ := store.Transactions().GetByOrderID(order.OrderID)
			if txn == nil || txn.Status != constants.TransactionStatusRefunded {
				t.Fatalf("transaction not marked refunded: %+v", txn)
			}
			membership, _ := store.Memberships().GetByUserID("u1")
			if !membership.EndDate.Equal(h.clock) {
				t.Fatalf("expected end date clamped to now, got %s", membership.EndDate)
			}
			events, _ := store.Outbox().ListPending(10)
			if len(events) != 2 || events[1].EventType != constants.EventMembershipRevoked {
				t.Fatalf("expected granted+revoked events, got %+v", events)
			}
			if err := h.svc.ApplyProviderUpdate(ctx, "stripe", order.OrderID, &payment.Result{Status: constants.ProviderStatusRefunded}); err != nil {
				t.Fatalf("duplicate refund notice should be ignored: %v", err)
			}
		})
	}
}

func TestRefundProcessingKeepsOrderPaid(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	order := h.createBasic(t, "u1")
	if err := h.svc.ApplyProviderUpdate(context.Background(), "stripe", order.OrderID, paidResult(order)); err != nil {
		t.Fatalf("apply paid failed: %v", err)
	}
	h.stripe.refundResult = &payment.Result{Status: constants.ProviderStatusPending}
	got, err := h.svc.RefundOrder(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if got.Status != constants.OrderStatusPaid {
		t.Fatalf("processing refund must keep the order paid, got %s", got.Status)
	}
}

func TestQueryStatusOwnershipAndReconcile(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	ctx := context.Background()
	order := h.createBasic(t, "u1")

	if _, err := h.svc.QueryStatus(ctx, "u2", order.OrderID, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("foreign order must look missing, got %v", err)
	}
	if _, err := h.svc.QueryStatus(ctx, "u1", order.OrderID, "alipay"); !errors.Is(err, ErrProviderMismatch) {
		t.Fatalf("expected provider mismatch, got %v", err)
	}

	got, err := h.svc.QueryStatus(ctx, "u1", order.OrderID, "stripe")
	if err != nil || got.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("fresh order should be returned as stored: %+v %v", got, err)
	}
	if len(h.stripe.queried) != 0 {
		t.Fatalf("fresh order must not trigger provider query")
	}

	h.stripe.queryErr = payment.Transient(errors.New("timeout"))
	h.setClock(h.clock.Add(10 * time.Minute))
	got, err = h.svc.QueryStatus(ctx, "u1", order.OrderID, "")
	if err != nil || got.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("reconcile failure must fall back to stored order: %+v %v", got, err)
	}

	h.stripe.queryErr = nil
	h.stripe.queryResult = &payment.Result{Status: constants.ProviderStatusPaid, Amount: models.MustMoney("9.99"), ProviderTradeNo: "ch_q"}
	got, err = h.svc.QueryStatus(ctx, "u1", order.OrderID, "")
	if err != nil {
		t.Fatalf("query status failed: %v", err)
	}
	if got.Status != constants.OrderStatusPaid || got.LastReconciledAt == nil {
		t.Fatalf("stale order should be reconciled to paid: %+v", got)
	}
}

func TestReconcileStaleSummary(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	ctx := context.Background()
	first := h.createBasic(t, "u1")
	second := h.createBasic(t, "u2")
	h.stripe.queryResult = &payment.Result{Status: constants.ProviderStatusCancelled}

	summary, err := h.svc.ReconcileStale(ctx, 10)
	if err != nil || summary.Scanned != 0 {
		t.Fatalf("fresh orders must not be scanned: %+v %v", summary, err)
	}

	h.setClock(h.clock.Add(time.Hour))
	summary, err = h.svc.ReconcileStale(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Scanned != 2 || summary.Applied != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, id := range []string{first.OrderID, second.OrderID} {
		if stored := mustOrder(t, store, id); stored.Status != constants.OrderStatusCancelled {
			t.Fatalf("order %s not cancelled: %s", id, stored.Status)
		}
	}

	summary, err = h.svc.TriggerReconcile(ctx, 10)
	if err != nil || !summary.Queued || h.queue.reconciles != 1 {
		t.Fatalf("expected queued reconcile: %+v %v", summary, err)
	}
	h.queue.enabled = false
	summary, err = h.svc.TriggerReconcile(ctx, 10)
	if err != nil || summary.Queued {
		t.Fatalf("expected inline reconcile: %+v %v", summary, err)
	}
}

func TestExpireOrderCancelsUnpaid(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	ctx := context.Background()

	unpaid := h.createBasic(t, "u1")
	if err := h.svc.ExpireOrder(ctx, unpaid.OrderID); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if stored := mustOrder(t, store, unpaid.OrderID); stored.Status != constants.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}

	paidLate := h.createBasic(t, "u2")
	h.stripe.queryResult = &payment.Result{Status: constants.ProviderStatusPaid, Amount: models.MustMoney("9.99")}
	if err := h.svc.ExpireOrder(ctx, paidLate.OrderID); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if stored := mustOrder(t, store, paidLate.OrderID); stored.Status != constants.OrderStatusPaid {
		t.Fatalf("final reconcile should win over expiry, got %s", stored.Status)
	}

	if err := h.svc.ExpireOrder(ctx, paidLate.OrderID); err != nil {
		t.Fatalf("expire of a paid order should be a no-op: %v", err)
	}
}

func TestExpireOrderDefersWhenProviderUnavailable(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			ctx := context.Background()

			order := h.createBasic(t, "u1")
			h.stripe.queryErr = payment.Transient(errors.New("connection reset"))
			if err := h.svc.ExpireOrder(ctx, order.OrderID); !errors.Is(err, ErrExpireDeferred) {
				t.Fatalf("expected deferred expiry, got %v", err)
			}
			if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
				t.Fatalf("failed reconcile must keep the order open, got %s", stored.Status)
			}
			if len(h.stripe.closed) != 0 {
				t.Fatalf("provider close must not run before reconcile succeeds")
			}

			h.stripe.queryErr = nil
			if err := h.svc.ApplyProviderUpdate(ctx, constants.ProviderStripe, order.OrderID, paidResult(order)); err != nil {
				t.Fatalf("late paid callback failed: %v", err)
			}
			if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusPaid {
				t.Fatalf("late payment must be honored, got %s", stored.Status)
			}
			if count, _ := store.Transactions().CountByOrderID(order.OrderID); count != 1 {
				t.Fatalf("expected one transaction, got %d", count)
			}
		})
	}
}

func TestExpireOrderClosesProviderSide(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	ctx := context.Background()

	order := h.createBasic(t, "u1")
	h.stripe.closeErr = payment.Rejected(errors.New("payment_intent_unexpected_state"))
	if err := h.svc.ExpireOrder(ctx, order.OrderID); !errors.Is(err, ErrExpireDeferred) {
		t.Fatalf("expected deferred expiry on close failure, got %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("close failure must keep the order open, got %s", stored.Status)
	}

	h.stripe.closeErr = nil
	if err := h.svc.ExpireOrder(ctx, order.OrderID); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
	if len(h.stripe.closed) != 2 || h.stripe.closed[1] != order.OrderID {
		t.Fatalf("expected provider close calls, got %v", h.stripe.closed)
	}
}

func TestPaidResultWithoutAmountIsRejected(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store)
	order := h.createBasic(t, "u1")

	result := paidResult(order)
	result.Amount = models.Money{}
	if err := h.svc.ApplyProviderUpdate(context.Background(), constants.ProviderStripe, order.OrderID, result); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if stored := mustOrder(t, store, order.OrderID); stored.Status != constants.OrderStatusAwaitingPayment {
		t.Fatalf("unexpected status: %s", stored.Status)
	}
}

func TestUnmatchedProviderUpdateIsIgnored(t *testing.T) {
	h := newHarness(t, repository.NewMemoryStore())
	ctx := context.Background()
	if err := h.svc.ApplyProviderUpdate(ctx, constants.ProviderStripe, "", &payment.Result{Status: constants.ProviderStatusPending, Verified: true}); err != nil {
		t.Fatalf("unrelated event must be acknowledged: %v", err)
	}
	if err := h.svc.ApplyProviderUpdate(ctx, constants.ProviderStripe, "", &payment.Result{Status: constants.ProviderStatusPaid, Verified: true}); err != nil {
		t.Fatalf("event without identifiers must be acknowledged: %v", err)
	}
}

func TestListPlansFallsBackToDatabase(t *testing.T) {
	h := newHarness(t, newGormStore(t))
	plans, err := h.svc.Catalog().ListPlans(context.Background())
	if err != nil {
		t.Fatalf("list plans failed: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("expected 3 active plans, got %d", len(plans))
	}
	if plans[0].PlanID != "free" || plans[2].PlanID != "premium" {
		t.Fatalf("plans not ordered by sort order: %s, %s", plans[0].PlanID, plans[2].PlanID)
	}
	if err := h.svc.Catalog().SeedPlans(context.Background(), []config.PlanConfig{{PlanID: "basic", Price: "1.00", DurationDays: 1}}); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	plan, _ := h.svc.Catalog().GetPlan("basic")
	if !plan.Price.Equal(models.MustMoney("9.99")) {
		t.Fatalf("seeding must not overwrite an existing plan, got %s", plan.Price)
	}
}

func TestSeedPlansRejectsInvalidConfig(t *testing.T) {
	catalog := NewPlanCatalog(repository.NewMemoryStore().Plans())
	cases := []config.PlanConfig{
		{PlanID: "", Price: "1", DurationDays: 1},
		{PlanID: "x", Price: "abc", DurationDays: 1},
		{PlanID: "x", Price: "-1", DurationDays: 1},
		{PlanID: "x", Price: "1", DurationDays: 0},
	}
	for _, seed := range cases {
		if err := catalog.SeedPlans(context.Background(), []config.PlanConfig{seed}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", seed, err)
		}
	}
}
