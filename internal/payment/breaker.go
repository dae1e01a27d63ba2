package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dujiao-next/memberpay/internal/models"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings 渠道熔断配置
type BreakerSettings struct {
	FailureThreshold    uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
	MaxHalfOpenRequests uint32
	OnStateChange       func(provider string, from, to string)
}

// WithBreaker 为适配器的出站调用加熔断，回调验签不经过熔断
func WithBreaker(adapter Adapter, settings BreakerSettings) Adapter {
	if adapter == nil {
		return nil
	}
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	halfOpen := settings.MaxHalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        adapter.Name(),
		MaxRequests: halfOpen,
		Interval:    settings.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if settings.OnStateChange != nil {
				settings.OnStateChange(name, from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
	})
	return &breakerAdapter{Adapter: adapter, cb: cb}
}

type breakerAdapter struct {
	Adapter
	cb *gobreaker.CircuitBreaker[any]
}

func (b *breakerAdapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*Handle, error) {
	out, err := b.execute(func() (any, error) { return b.Adapter.Initiate(ctx, order) })
	if err != nil {
		return nil, err
	}
	handle, _ := out.(*Handle)
	return handle, nil
}

func (b *breakerAdapter) Query(ctx context.Context, order *models.PaymentOrder) (*Result, error) {
	out, err := b.execute(func() (any, error) { return b.Adapter.Query(ctx, order) })
	if err != nil {
		return nil, err
	}
	result, _ := out.(*Result)
	return result, nil
}

func (b *breakerAdapter) Refund(ctx context.Context, order *models.PaymentOrder) (*Result, error) {
	out, err := b.execute(func() (any, error) { return b.Adapter.Refund(ctx, order) })
	if err != nil {
		return nil, err
	}
	result, _ := out.(*Result)
	return result, nil
}

func (b *breakerAdapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	_, err := b.execute(func() (any, error) { return nil, b.Adapter.Close(ctx, order) })
	return err
}

// State 当前熔断状态
func (b *breakerAdapter) State() string {
	return b.cb.State().String()
}

func (b *breakerAdapter) execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Transient(fmt.Errorf("%s circuit %s: %w", b.Adapter.Name(), b.cb.State().String(), err))
	}
	return out, err
}
