package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/repository"

	"go.uber.org/zap"
)

// OrderTaskQueue 支付单异步任务投递
type OrderTaskQueue interface {
	Enabled() bool
	EnqueueOrderExpire(orderID string, delay time.Duration) error
	EnqueueReconcile() error
}

// PaymentOptions 支付单生命周期参数
type PaymentOptions struct {
	ExpireAfter time.Duration // 待支付超时
	StaleAfter  time.Duration // 超过该时长的待支付订单在查询时主动对账
}

// PaymentOrderService 支付单服务
type PaymentOrderService struct {
	store    repository.Store
	registry *payment.Registry
	ledger   *MembershipLedger
	catalog  *PlanCatalog
	queue    OrderTaskQueue
	options  PaymentOptions
	now      func() time.Time
}

// NewPaymentOrderService 创建支付单服务
func NewPaymentOrderService(store repository.Store, registry *payment.Registry, ledger *MembershipLedger, queue OrderTaskQueue, options PaymentOptions) *PaymentOrderService {
	if registry == nil {
		registry = payment.NewRegistry()
	}
	if ledger == nil {
		ledger = NewMembershipLedger("")
	}
	if options.ExpireAfter <= 0 {
		options.ExpireAfter = 15 * time.Minute
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = 2 * time.Minute
	}
	return &PaymentOrderService{
		store:    store,
		registry: registry,
		ledger:   ledger,
		catalog:  NewPlanCatalog(store.Plans()),
		queue:    queue,
		options:  options,
		now:      time.Now,
	}
}

// Catalog 套餐目录
func (s *PaymentOrderService) Catalog() *PlanCatalog {
	return s.catalog
}

// Providers 已注册渠道
func (s *PaymentOrderService) Providers() []string {
	return s.registry.Names()
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

// CreateOrderInput 创建支付单请求
type CreateOrderInput struct {
	UserID      string
	PlanID      string
	Provider    string
	Amount      *models.Money // 客户端提交的金额，可为空
	Description string
	ClientIP    string
}

// CreateOrder 创建支付单并向渠道发起支付
func (s *PaymentOrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.PaymentOrder, *payment.Handle, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	plan, err := s.catalog.GetPlan(input.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if plan.Price.Decimal.IsNegative() {
		return nil, nil, ErrInvalidAmount
	}
	if input.Amount != nil && !input.Amount.Equal(plan.Price) {
		return nil, nil, ErrInvalidAmount
	}

	providerName := payment.NormalizeName(input.Provider)
	log := paymentLogger(
		"user_id", userID,
		"plan_id", plan.PlanID,
		"provider", providerName,
	)

	if plan.IsFree() {
		return s.createFreeOrder(ctx, userID, plan, input, log)
	}

	adapter, ok := s.registry.Get(providerName)
	if !ok {
		log.Warnw("payment_provider_not_found")
		return nil, nil, ErrProviderNotFound
	}

	order, err := s.persistOrder(userID, plan, providerName, input)
	if err != nil {
		log.Errorw("payment_order_create_failed", "error", err)
		return nil, nil, ErrOrderCreateFailed
	}
	log = log.With("order_id", order.OrderID)

	handle, err := adapter.Initiate(ctx, order)
	if err != nil {
		log.Warnw("payment_initiate_failed", "error", err)
		if _, casErr := s.store.Orders().TransitionStatus(order.OrderID,
			[]string{constants.OrderStatusCreated}, constants.OrderStatusFailed, nil); casErr != nil {
			log.Errorw("payment_order_mark_failed_error", "error", casErr)
		}
		order.Status = constants.OrderStatusFailed
		metrics.OrdersCreated.WithLabelValues(providerName, order.Status).Inc()
		return order, nil, err
	}
	if handle == nil {
		handle = &payment.Handle{}
	}
	handle.Provider = providerName

	updates := map[string]interface{}{
		"provider_reference": strings.TrimSpace(handle.ProviderReference),
		"interaction_mode":   handle.Interaction,
		"redirect_url":       handle.RedirectURL,
		"qr_code":            handle.QRCode,
		"client_secret":      handle.ClientSecret,
	}
	if len(handle.Raw) > 0 {
		updates["provider_payload"] = models.JSON(handle.Raw)
	}
	if err := s.store.Orders().UpdateFields(order.OrderID, updates); err != nil {
		log.Errorw("payment_order_handle_save_failed", "error", err)
		return nil, nil, ErrOrderUpdateFailed
	}
	order.ProviderReference = strings.TrimSpace(handle.ProviderReference)
	order.InteractionMode = handle.Interaction
	order.RedirectURL = handle.RedirectURL
	order.QRCode = handle.QRCode
	order.ClientSecret = handle.ClientSecret

	moved, err := s.store.Orders().TransitionStatus(order.OrderID,
		[]string{constants.OrderStatusCreated}, constants.OrderStatusAwaitingPayment, nil)
	if err != nil {
		log.Errorw("payment_order_await_failed", "error", err)
		return nil, nil, ErrOrderUpdateFailed
	}
	if moved {
		order.Status = constants.OrderStatusAwaitingPayment
		s.enqueueExpire(order.OrderID, log)
	} else {
		// 回调先于本流程到达
		if current, getErr := s.store.Orders().GetByOrderID(order.OrderID); getErr == nil && current != nil {
			order = current
		}
	}

	metrics.OrdersCreated.WithLabelValues(providerName, order.Status).Inc()
	log.Infow("payment_order_created",
		"status", order.Status,
		"amount", order.Amount.String(),
		"currency", order.Currency,
		"interaction", handle.Interaction,
		"provider_reference", order.ProviderReference,
	)
	return order, handle, nil
}

func (s *PaymentOrderService) createFreeOrder(ctx context.Context, userID string, plan *models.MembershipPlan, input CreateOrderInput, log *zap.SugaredLogger) (*models.PaymentOrder, *payment.Handle, error) {
	order, err := s.persistOrder(userID, plan, constants.ProviderFree, input)
	if err != nil {
		log.Errorw("payment_order_create_failed", "error", err)
		return nil, nil, ErrOrderCreateFailed
	}
	log = log.With("order_id", order.OrderID, "provider", constants.ProviderFree)

	now := s.now()
	err = s.store.Transaction(func(tx repository.Store) error {
		moved, err := tx.Orders().TransitionStatus(order.OrderID,
			[]string{constants.OrderStatusCreated}, constants.OrderStatusPaid,
			map[string]interface{}{"paid_at": now})
		if err != nil {
			return err
		}
		if !moved {
			return ErrOrderUpdateFailed
		}
		paid := *order
		paid.Status = constants.OrderStatusPaid
		paid.PaidAt = &now
		_, err = s.ledger.Finalize(ctx, tx, &paid)
		return err
	})
	if err != nil {
		log.Errorw("payment_free_order_finalize_failed", "error", err)
		return nil, nil, fmt.Errorf("%w: %w", ErrOrderUpdateFailed, err)
	}
	order.Status = constants.OrderStatusPaid
	order.PaidAt = &now
	order.InteractionMode = constants.PaymentInteractionNone
	metrics.OrdersCreated.WithLabelValues(constants.ProviderFree, order.Status).Inc()
	log.Infow("payment_free_order_granted")
	return order, &payment.Handle{
		Provider:    constants.ProviderFree,
		Interaction: constants.PaymentInteractionNone,
	}, nil
}

func (s *PaymentOrderService) persistOrder(userID string, plan *models.MembershipPlan, provider string, input CreateOrderInput) (*models.PaymentOrder, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		orderID, err := generateOrderID(s.now())
		if err != nil {
			return nil, err
		}
		order := &models.PaymentOrder{
			OrderID:          orderID,
			UserID:           userID,
			MembershipPlanID: plan.PlanID,
			Amount:           plan.Price,
			Currency:         plan.Currency,
			ProviderName:     provider,
			Status:           constants.OrderStatusCreated,
			Description:      strings.TrimSpace(input.Description),
			ClientIP:         strings.TrimSpace(input.ClientIP),
		}
		if order.Description == "" {
			order.Description = plan.DisplayName
		}
		err = s.store.Orders().Create(order)
		if err == nil {
			return order, nil
		}
		if !repository.IsDuplicateKey(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// generateOrderID 时间前缀 + 6 位随机数
func generateOrderID(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%06d", now.Format("20060102150405"), n.Int64()), nil
}

func (s *PaymentOrderService) enqueueExpire(orderID string, log *zap.SugaredLogger) {
	if s.queue == nil || !s.queue.Enabled() {
		return
	}
	if err := s.queue.EnqueueOrderExpire(orderID, s.options.ExpireAfter); err != nil {
		log.Warnw("payment_order_expire_enqueue_failed", "error", err)
	}
}

// ApplyProviderUpdate 应用渠道回报的状态，重复或过期的回报为空操作
// orderID 为空时按 (provider, providerReference) 定位支付单
func (s *PaymentOrderService) ApplyProviderUpdate(ctx context.Context, provider, orderID string, result *payment.Result) error {
	if result == nil || !isProviderStatusValid(result.Status) {
		return ErrStatusInvalid
	}
	provider = payment.NormalizeName(provider)
	target := targetStatus(result.Status)
	if target == "" {
		paymentLogger("order_id", orderID, "provider", provider).Debugw("payment_update_pending")
		return nil
	}
	if strings.TrimSpace(orderID) == "" && strings.TrimSpace(result.OrderID) == "" &&
		strings.TrimSpace(result.ProviderReference) == "" {
		paymentLogger("provider", provider, "callback_status", result.Status).Warnw("payment_update_unmatched")
		return nil
	}
	order, err := s.resolveOrder(provider, orderID, result)
	if err != nil {
		return err
	}

	log := paymentLogger(
		"order_id", order.OrderID,
		"provider", order.ProviderName,
		"current_status", order.Status,
		"callback_status", result.Status,
		"provider_reference", result.ProviderReference,
		"callback_amount", result.Amount.String(),
	)
	if provider != "" && provider != order.ProviderName {
		log.Warnw("payment_update_provider_mismatch", "callback_provider", provider)
		return ErrProviderMismatch
	}

	if order.Status == target || order.IsTerminal() || !isTransitionAllowed(order.Status, target) {
		log.Infow("payment_update_ignored")
		return nil
	}

	switch target {
	case constants.OrderStatusPaid:
		return s.markPaid(ctx, order, result, log)
	case constants.OrderStatusRefunded:
		return s.markRefunded(ctx, order, result, log)
	default:
		return s.markClosed(order, target, result, log)
	}
}

func (s *PaymentOrderService) resolveOrder(provider, orderID string, result *payment.Result) (*models.PaymentOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		orderID = strings.TrimSpace(result.OrderID)
	}
	var (
		order *models.PaymentOrder
		err   error
	)
	if orderID != "" {
		order, err = s.store.Orders().GetByOrderID(orderID)
	} else if provider != "" && strings.TrimSpace(result.ProviderReference) != "" {
		order, err = s.store.Orders().GetByProviderReference(provider, result.ProviderReference)
	}
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *PaymentOrderService) markPaid(ctx context.Context, order *models.PaymentOrder, result *payment.Result, log *zap.SugaredLogger) error {
	if !result.Amount.Equal(order.Amount) {
		log.Warnw("payment_callback_amount_mismatch",
			"stored_amount", order.Amount.String(),
			"callback_amount", result.Amount.String(),
		)
		return ErrAmountMismatch
	}
	if currency := strings.TrimSpace(result.Currency); currency != "" && !strings.EqualFold(currency, order.Currency) {
		log.Warnw("payment_callback_currency_mismatch",
			"stored_currency", order.Currency,
			"callback_currency", currency,
		)
		return ErrCurrencyMismatch
	}

	now := s.now()
	updates := providerUpdates(order, result)
	updates["paid_at"] = now

	applied := false
	err := s.store.Transaction(func(tx repository.Store) error {
		moved, err := tx.Orders().TransitionStatus(order.OrderID,
			sourcesFor(constants.OrderStatusPaid), constants.OrderStatusPaid, updates)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		paid := *order
		paid.Status = constants.OrderStatusPaid
		paid.PaidAt = &now
		if _, err := s.ledger.Finalize(ctx, tx, &paid); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, ErrAlreadyFinalized) {
		log.Infow("payment_update_already_finalized")
		return nil
	}
	if err != nil {
		log.Errorw("payment_finalize_failed", "error", err)
		return fmt.Errorf("%w: %w", ErrOrderUpdateFailed, err)
	}
	if !applied {
		log.Infow("payment_update_ignored", "reason", "status_changed_concurrently")
		return nil
	}
	log.Infow("payment_order_paid", "provider_trade_no", result.ProviderTradeNo)
	return nil
}

func (s *PaymentOrderService) markRefunded(ctx context.Context, order *models.PaymentOrder, result *payment.Result, log *zap.SugaredLogger) error {
	updates := providerUpdates(order, result)
	applied := false
	err := s.store.Transaction(func(tx repository.Store) error {
		moved, err := tx.Orders().TransitionStatus(order.OrderID,
			sourcesFor(constants.OrderStatusRefunded), constants.OrderStatusRefunded, updates)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		if err := s.ledger.Revoke(ctx, tx, order); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		log.Errorw("payment_revoke_failed", "error", err)
		return fmt.Errorf("%w: %w", ErrOrderUpdateFailed, err)
	}
	if !applied {
		log.Infow("payment_update_ignored", "reason", "status_changed_concurrently")
		return nil
	}
	log.Infow("payment_order_refunded")
	return nil
}

func (s *PaymentOrderService) markClosed(order *models.PaymentOrder, target string, result *payment.Result, log *zap.SugaredLogger) error {
	moved, err := s.store.Orders().TransitionStatus(order.OrderID, sourcesFor(target), target, providerUpdates(order, result))
	if err != nil {
		log.Errorw("payment_order_close_failed", "target_status", target, "error", err)
		return ErrOrderUpdateFailed
	}
	if !moved {
		log.Infow("payment_update_ignored", "reason", "status_changed_concurrently")
		return nil
	}
	log.Infow("payment_order_closed", "new_status", target)
	return nil
}

func providerUpdates(order *models.PaymentOrder, result *payment.Result) map[string]interface{} {
	updates := map[string]interface{}{}
	if tradeNo := strings.TrimSpace(result.ProviderTradeNo); tradeNo != "" {
		updates["provider_trade_no"] = tradeNo
	}
	if ref := strings.TrimSpace(result.ProviderReference); ref != "" && order.ProviderReference == "" {
		updates["provider_reference"] = ref
	}
	if len(result.Raw) > 0 {
		updates["provider_payload"] = models.JSON(result.Raw)
	}
	return updates
}
