package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/dujiao-next/memberpay/internal/authz"
	"github.com/dujiao-next/memberpay/internal/cache"
	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/outbox"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/payment/alipay"
	"github.com/dujiao-next/memberpay/internal/payment/paypal"
	"github.com/dujiao-next/memberpay/internal/payment/stripe"
	"github.com/dujiao-next/memberpay/internal/payment/wechatpay"
	"github.com/dujiao-next/memberpay/internal/queue"
	"github.com/dujiao-next/memberpay/internal/repository"
	"github.com/dujiao-next/memberpay/internal/service"

	"gorm.io/gorm"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	Store       repository.Store
	Registry    *payment.Registry

	// Services
	Ledger              *service.MembershipLedger
	PaymentOrderService *service.PaymentOrderService
	AuthzService        *authz.Service
	OutboxDispatcher    *outbox.Dispatcher
}

// AdapterFactories 内置渠道工厂
func AdapterFactories() map[string]payment.Factory {
	return map[string]payment.Factory{
		constants.ProviderAlipay: alipay.New,
		constants.ProviderWechat: wechatpay.New,
		constants.ProviderStripe: stripe.New,
		constants.ProviderPaypal: paypal.New,
	}
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config, db *gorm.DB) (*Container, error) {
	if cfg == nil || db == nil {
		return nil, fmt.Errorf("config and db are required")
	}

	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	queueClient, err := queue.NewClient(&cfg.Queue)
	if err != nil {
		logger.Errorw("provider_init_queue_client_failed", "error", err)
		return nil, err
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		Store:       repository.NewGormStore(db),
	}

	// 1. 初始化支付渠道
	if err := c.initRegistry(); err != nil {
		return nil, err
	}

	// 2. 初始化 Services
	if err := c.initServices(db); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) initRegistry() error {
	breaker := c.Config.Payment.Breaker
	settings := payment.BreakerSettings{
		FailureThreshold:    uint32(max(breaker.FailureThreshold, 0)),
		OpenTimeout:         time.Duration(breaker.OpenTimeoutSeconds) * time.Second,
		Interval:            time.Duration(breaker.IntervalSeconds) * time.Second,
		MaxHalfOpenRequests: uint32(max(breaker.MaxHalfOpenRequests, 0)),
		OnStateChange:       onBreakerStateChange,
	}
	registry := payment.NewRegistry()
	err := registry.Build(c.Config.Payment.Providers, AdapterFactories(), func(adapter payment.Adapter) payment.Adapter {
		return payment.WithBreaker(adapter, settings)
	})
	if err != nil {
		logger.Errorw("provider_init_payment_registry_failed", "error", err)
		return err
	}
	logger.Infow("provider_payment_registry_ready", "providers", registry.Names())
	c.Registry = registry
	return nil
}

func onBreakerStateChange(provider, from, to string) {
	metrics.ObserveBreakerChange(provider, from, to)
	logger.Warnw("payment_breaker_state_changed", "provider", provider, "from", from, "to", to)
}

func (c *Container) initServices(db *gorm.DB) error {
	authzService, err := authz.NewService(db)
	if err != nil {
		logger.Errorw("provider_init_authz_failed", "error", err)
		return err
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		logger.Errorw("provider_bootstrap_builtin_roles_failed", "error", err)
		return err
	}
	if err := authzService.BootstrapUserRoles(c.Config.Admin.BootstrapRoles); err != nil {
		logger.Errorw("provider_bootstrap_user_roles_failed", "error", err)
		return err
	}
	c.AuthzService = authzService

	c.Ledger = service.NewMembershipLedger(c.Config.Kafka.Topic)
	c.PaymentOrderService = service.NewPaymentOrderService(c.Store, c.Registry, c.Ledger, c.QueueClient, service.PaymentOptions{
		ExpireAfter: time.Duration(c.Config.Payment.ExpireMinutes) * time.Minute,
		StaleAfter:  time.Duration(c.Config.Payment.ReconcileStaleSeconds) * time.Second,
	})
	if err := c.PaymentOrderService.Catalog().SeedPlans(context.Background(), c.Config.Membership.Plans); err != nil {
		logger.Errorw("provider_seed_membership_plans_failed", "error", err)
		return err
	}

	if c.Config.Kafka.Enabled {
		writer := outbox.NewKafkaWriter(&c.Config.Kafka)
		c.OutboxDispatcher = outbox.NewDispatcher(c.Store.Outbox(), writer, c.Config.Outbox)
	} else {
		logger.Infow("provider_outbox_dispatcher_disabled")
	}
	return nil
}

// Close 释放外部连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	if err := c.QueueClient.Close(); err != nil {
		logger.Warnw("provider_close_queue_client_failed", "error", err)
	}
	if err := cache.Close(); err != nil {
		logger.Warnw("provider_close_redis_failed", "error", err)
	}
}
