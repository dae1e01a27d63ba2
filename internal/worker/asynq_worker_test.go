package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/queue"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/hibiken/asynq"
)

type fakeOrders struct {
	mu          sync.Mutex
	expired     []string
	limits      []int
	expireErr   error
	reconcileCh chan struct{}
}

func (f *fakeOrders) ExpireOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, orderID)
	return f.expireErr
}

func (f *fakeOrders) ReconcileStale(_ context.Context, limit int) (*service.ReconcileSummary, error) {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if f.reconcileCh != nil {
		select {
		case f.reconcileCh <- struct{}{}:
		default:
		}
	}
	return &service.ReconcileSummary{}, nil
}

type fakeOutbox struct {
	ran    chan struct{}
	closed bool
}

func (f *fakeOutbox) Run(ctx context.Context) {
	close(f.ran)
	<-ctx.Done()
}

func (f *fakeOutbox) Close() error {
	f.closed = true
	return nil
}

func TestHandleOrderExpire(t *testing.T) {
	orders := &fakeOrders{}
	consumer := NewConsumer(orders, 0)
	task, err := queue.NewOrderExpireTask(queue.OrderExpirePayload{OrderID: "20261014120000000001"})
	if err != nil {
		t.Fatalf("build task failed: %v", err)
	}
	if err := consumer.handleOrderExpire(context.Background(), task); err != nil {
		t.Fatalf("handle expire failed: %v", err)
	}
	if len(orders.expired) != 1 || orders.expired[0] != "20261014120000000001" {
		t.Fatalf("unexpected expired orders: %v", orders.expired)
	}

	orders.expireErr = service.ErrOrderNotFound
	if err := consumer.handleOrderExpire(context.Background(), task); err != nil {
		t.Fatalf("missing order should not be retried: %v", err)
	}

	orders.expireErr = service.ErrOrderUpdateFailed
	if err := consumer.handleOrderExpire(context.Background(), task); !errors.Is(err, service.ErrOrderUpdateFailed) {
		t.Fatalf("update failure should be retried, got %v", err)
	}

	empty := asynq.NewTask(queue.TaskOrderExpire, []byte(`{"order_id":"  "}`))
	if err := consumer.handleOrderExpire(context.Background(), empty); err != nil {
		t.Fatalf("empty payload should be skipped: %v", err)
	}
	bad := asynq.NewTask(queue.TaskOrderExpire, []byte(`not-json`))
	if err := consumer.handleOrderExpire(context.Background(), bad); err == nil {
		t.Fatalf("malformed payload should fail")
	}
}

func TestHandleReconcileUsesPayloadLimit(t *testing.T) {
	orders := &fakeOrders{}
	consumer := NewConsumer(orders, 25)

	task, _ := queue.NewReconcileTask(queue.ReconcilePayload{Limit: 7})
	if err := consumer.handleReconcile(context.Background(), task); err != nil {
		t.Fatalf("handle reconcile failed: %v", err)
	}
	task, _ = queue.NewReconcileTask(queue.ReconcilePayload{})
	if err := consumer.handleReconcile(context.Background(), task); err != nil {
		t.Fatalf("handle reconcile failed: %v", err)
	}
	if len(orders.limits) != 2 || orders.limits[0] != 7 || orders.limits[1] != 25 {
		t.Fatalf("unexpected limits: %v", orders.limits)
	}
}

func TestServiceRunsLoopsWithoutQueue(t *testing.T) {
	orders := &fakeOrders{reconcileCh: make(chan struct{}, 1)}
	outbox := &fakeOutbox{ran: make(chan struct{})}
	svc, err := NewService(&config.QueueConfig{Enabled: false}, NewConsumer(orders, 10), outbox)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	if svc.server != nil {
		t.Fatalf("disabled queue must not create asynq server")
	}
	svc.reconcileInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-outbox.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("outbox loop not started")
	}
	select {
	case <-orders.reconcileCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconcile loop not triggered")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !outbox.closed {
		t.Fatalf("outbox should be closed on stop")
	}
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	if _, err := NewService(nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil consumer")
	}
}
