package repository

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupGormStoreTest(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := models.OpenDB("sqlite", dsn, models.DBPoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, logger.Silent)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := models.MigrateDB(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return NewGormStore(db)
}

func newTestOrder(orderID, status string) *models.PaymentOrder {
	return &models.PaymentOrder{
		OrderID:           orderID,
		UserID:            "u1",
		MembershipPlanID:  "basic",
		Amount:            models.MustMoney("9.99"),
		Currency:          "USD",
		ProviderName:      constants.ProviderStripe,
		Status:            status,
		ProviderReference: "pi_" + orderID,
	}
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"gorm":   setupGormStoreTest(t),
		"memory": NewMemoryStore(),
	}
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Orders().Create(newTestOrder("CAS001", constants.OrderStatusAwaitingPayment)); err != nil {
				t.Fatalf("create order failed: %v", err)
			}
			ok, err := store.Orders().TransitionStatus("CAS001",
				[]string{constants.OrderStatusAwaitingPayment}, constants.OrderStatusPaid,
				map[string]interface{}{"provider_trade_no": "ch_1"})
			if err != nil || !ok {
				t.Fatalf("first transition failed: ok=%v err=%v", ok, err)
			}
			ok, err = store.Orders().TransitionStatus("CAS001",
				[]string{constants.OrderStatusAwaitingPayment}, constants.OrderStatusFailed, nil)
			if err != nil {
				t.Fatalf("second transition error: %v", err)
			}
			if ok {
				t.Fatalf("expected second transition to lose")
			}
			order, err := store.Orders().GetByOrderID("CAS001")
			if err != nil || order == nil {
				t.Fatalf("get order failed: %v", err)
			}
			if order.Status != constants.OrderStatusPaid || order.ProviderTradeNo != "ch_1" {
				t.Fatalf("unexpected order state: %+v", order)
			}
		})
	}
}

func TestGetByProviderReference(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Orders().Create(newTestOrder("REF001", constants.OrderStatusAwaitingPayment)); err != nil {
				t.Fatalf("create order failed: %v", err)
			}
			order, err := store.Orders().GetByProviderReference(constants.ProviderStripe, "pi_REF001")
			if err != nil || order == nil {
				t.Fatalf("lookup failed: order=%v err=%v", order, err)
			}
			if order.OrderID != "REF001" {
				t.Fatalf("unexpected order: %s", order.OrderID)
			}
			missing, err := store.Orders().GetByProviderReference(constants.ProviderPaypal, "pi_REF001")
			if err != nil {
				t.Fatalf("lookup other provider failed: %v", err)
			}
			if missing != nil {
				t.Fatalf("expected nil for other provider")
			}
		})
	}
}

func TestTransactionUniquePerOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := &models.Transaction{
				TransactionID: "txn-1", OrderID: "UNIQ001", UserID: "u1",
				Amount: models.MustMoney("9.99"), Currency: "USD",
				PaymentMethod: constants.ProviderStripe, MembershipPlanID: "basic",
				Status: constants.TransactionStatusCompleted,
			}
			if err := store.Transactions().Create(first); err != nil {
				t.Fatalf("create transaction failed: %v", err)
			}
			second := *first
			second.ID = 0
			second.TransactionID = "txn-2"
			err := store.Transactions().Create(&second)
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				t.Fatalf("expected duplicate key, got %v", err)
			}
			count, err := store.Transactions().CountByOrderID("UNIQ001")
			if err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if count != 1 {
				t.Fatalf("expected 1 transaction, got %d", count)
			}
		})
	}
}

func TestStoreTransactionRollback(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Orders().Create(newTestOrder("RB001", constants.OrderStatusAwaitingPayment)); err != nil {
				t.Fatalf("create order failed: %v", err)
			}
			boom := errors.New("boom")
			err := store.Transaction(func(tx Store) error {
				if _, err := tx.Orders().TransitionStatus("RB001",
					[]string{constants.OrderStatusAwaitingPayment}, constants.OrderStatusPaid, nil); err != nil {
					return err
				}
				if err := tx.Memberships().Upsert(&models.UserMembership{
					UserID: "u1", PlanID: "basic", StartDate: time.Now(), EndDate: time.Now().Add(time.Hour),
				}); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			order, _ := store.Orders().GetByOrderID("RB001")
			if order == nil || order.Status != constants.OrderStatusAwaitingPayment {
				t.Fatalf("status should be rolled back: %+v", order)
			}
			membership, _ := store.Memberships().GetByUserID("u1")
			if membership != nil {
				t.Fatalf("membership should be rolled back")
			}
		})
	}
}

func TestMembershipUpsertOverwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			if err := store.Memberships().Upsert(&models.UserMembership{
				UserID: "u1", PlanID: "basic", StartDate: now, EndDate: now.AddDate(0, 0, 30),
				Features: models.StringArray{"a", "b"}, LastOrderID: "O1",
			}); err != nil {
				t.Fatalf("first upsert failed: %v", err)
			}
			if err := store.Memberships().Upsert(&models.UserMembership{
				UserID: "u1", PlanID: "premium", StartDate: now, EndDate: now.AddDate(0, 0, 60),
				Features: models.StringArray{"c"}, LastOrderID: "O2",
			}); err != nil {
				t.Fatalf("second upsert failed: %v", err)
			}
			membership, err := store.Memberships().GetByUserID("u1")
			if err != nil || membership == nil {
				t.Fatalf("get membership failed: %v", err)
			}
			if membership.PlanID != "premium" || len(membership.Features) != 1 || membership.Features[0] != "c" {
				t.Fatalf("membership not overwritten: %+v", membership)
			}
			if !membership.EndDate.Equal(now.AddDate(0, 0, 60)) {
				t.Fatalf("unexpected end date: %v", membership.EndDate)
			}
		})
	}
}

func TestMembershipEnsureExistsKeepsExisting(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			err := store.Transaction(func(tx Store) error {
				if err := tx.Memberships().EnsureExists(&models.UserMembership{
					UserID: "u1", PlanID: "basic", StartDate: now, EndDate: now,
				}); err != nil {
					return err
				}
				if err := tx.Memberships().EnsureExists(&models.UserMembership{
					UserID: "u1", PlanID: "premium", StartDate: now, EndDate: now.AddDate(0, 0, 90),
				}); err != nil {
					return err
				}
				locked, err := tx.Memberships().GetByUserIDForUpdate("u1")
				if err != nil {
					return err
				}
				if locked == nil || locked.PlanID != "basic" || !locked.EndDate.Equal(now) {
					return fmt.Errorf("seed overwritten: %+v", locked)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("ensure exists failed: %v", err)
			}
			missing, err := store.Memberships().GetByUserIDForUpdate("nobody")
			if err != nil || missing != nil {
				t.Fatalf("missing membership want nil, got %+v %v", missing, err)
			}
		})
	}
}

func TestListStaleAwaiting(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := newTestOrder("STALE001", constants.OrderStatusAwaitingPayment)
			old.CreatedAt = time.Now().Add(-2 * time.Hour)
			fresh := newTestOrder("STALE002", constants.OrderStatusAwaitingPayment)
			paid := newTestOrder("STALE003", constants.OrderStatusPaid)
			paid.CreatedAt = time.Now().Add(-3 * time.Hour)
			for _, order := range []*models.PaymentOrder{old, fresh, paid} {
				if err := store.Orders().Create(order); err != nil {
					t.Fatalf("create order failed: %v", err)
				}
			}
			result, err := store.Orders().ListStaleAwaiting(time.Now().Add(-time.Hour), 10)
			if err != nil {
				t.Fatalf("list stale failed: %v", err)
			}
			if len(result) != 1 || result[0].OrderID != "STALE001" {
				t.Fatalf("unexpected stale orders: %+v", result)
			}
		})
	}
}

func TestMemoryStoreConcurrentTransactionsSerialize(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Orders().Create(newTestOrder("CONC001", constants.OrderStatusAwaitingPayment)); err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Transaction(func(tx Store) error {
				ok, err := tx.Orders().TransitionStatus("CONC001",
					[]string{constants.OrderStatusAwaitingPayment}, constants.OrderStatusPaid, nil)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestOutboxAttemptsAndSent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			event := &models.OutboxEvent{
				EventID: "evt-1", Topic: "memberships", AggregateID: "O1",
				EventType: constants.EventMembershipGranted, Payload: models.JSON{"order_id": "O1"},
			}
			if err := store.Outbox().Create(event); err != nil {
				t.Fatalf("create event failed: %v", err)
			}
			if err := store.Outbox().MarkAttemptFailed(event.ID, "broker down", 2); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			pending, _ := store.Outbox().ListPending(10)
			if len(pending) != 1 || pending[0].Attempts != 1 {
				t.Fatalf("expected event pending after first failure: %+v", pending)
			}
			if err := store.Outbox().MarkSent(event.ID, time.Now()); err != nil {
				t.Fatalf("mark sent failed: %v", err)
			}
			pending, _ = store.Outbox().ListPending(10)
			if len(pending) != 0 {
				t.Fatalf("expected no pending events, got %d", len(pending))
			}
		})
	}
}
