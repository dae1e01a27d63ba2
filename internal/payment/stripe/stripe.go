package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"

	"github.com/shopspring/decimal"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrConfigInvalid    = errors.New("stripe config invalid")
	ErrRequestFailed    = errors.New("stripe request failed")
	ErrResponseInvalid  = errors.New("stripe response invalid")
	ErrSignatureInvalid = errors.New("stripe signature invalid")
)

const (
	defaultAPIBaseURL        = "https://api.stripe.com"
	defaultTimeout           = 12 * time.Second
	defaultWebhookToleranceS = 300
	signatureHeader          = "Stripe-Signature"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {},
	"CLP": {},
	"DJF": {},
	"GNF": {},
	"JPY": {},
	"KMF": {},
	"KRW": {},
	"MGA": {},
	"PYG": {},
	"RWF": {},
	"UGX": {},
	"VND": {},
	"VUV": {},
	"XAF": {},
	"XOF": {},
	"XPF": {},
}

// Config Stripe 渠道配置
type Config struct {
	SecretKey               string   `json:"secret_key"`
	PublishableKey          string   `json:"publishable_key"`
	WebhookSecret           string   `json:"webhook_secret"`
	APIBaseURL              string   `json:"api_base_url"`
	WebhookToleranceSeconds int      `json:"webhook_tolerance_seconds"`
	PaymentMethodTypes      []string `json:"payment_method_types"`
}

// ParseConfig 解析配置
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty config", ErrConfigInvalid)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal config failed", ErrConfigInvalid)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config failed", ErrConfigInvalid)
	}
	cfg.normalize()
	return &cfg, nil
}

// ValidateConfig 校验配置
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if cfg.SecretKey == "" {
		return fmt.Errorf("%w: secret_key is required", ErrConfigInvalid)
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook_secret is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return fmt.Errorf("%w: api_base_url is invalid", ErrConfigInvalid)
	}
	return nil
}

// Adapter Stripe 渠道适配器，基于 PaymentIntent
type Adapter struct {
	cfg     *Config
	intents *paymentintent.Client
	refunds *refund.Client
}

// New 按原始配置创建适配器
func New(raw map[string]interface{}) (payment.Adapter, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	return NewAdapter(cfg, nil)
}

// NewAdapter 创建适配器，httpClient 为空时使用带默认超时的客户端
func NewAdapter(cfg *Config, httpClient *http.Client) (*Adapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, payment.Misconfigured(err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		HTTPClient:        httpClient,
		URL:               stripego.String(cfg.APIBaseURL),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     logger.S(),
	})
	return &Adapter{
		cfg:     cfg,
		intents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		refunds: &refund.Client{B: backend, Key: cfg.SecretKey},
	}, nil
}

// Name 渠道名
func (a *Adapter) Name() string { return constants.ProviderStripe }

// Initiate 创建 PaymentIntent，前端凭 client_secret 完成支付
func (a *Adapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: order is required", ErrConfigInvalid))
	}
	currency := strings.ToLower(strings.TrimSpace(order.Currency))
	if currency == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: currency is required", ErrConfigInvalid))
	}
	minorAmount, err := toMinorAmount(order.Amount.Decimal, currency)
	if err != nil {
		return nil, classify(err)
	}
	params := &stripego.PaymentIntentParams{
		Amount:             stripego.Int64(minorAmount),
		Currency:           stripego.String(currency),
		PaymentMethodTypes: stripego.StringSlice(a.cfg.PaymentMethodTypes),
	}
	if description := strings.TrimSpace(order.Description); description != "" {
		params.Description = stripego.String(description)
	}
	params.Context = ctx
	params.SetIdempotencyKey("memberpay-order-" + order.OrderID)
	params.AddMetadata("order_id", order.OrderID)
	params.AddMetadata("user_id", order.UserID)
	params.AddMetadata("membership_plan_id", order.MembershipPlanID)

	intent, err := a.intents.New(params)
	if err != nil {
		return nil, classify(wrapRequestError(err))
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, classify(fmt.Errorf("%w: missing payment intent client_secret", ErrResponseInvalid))
	}
	return &payment.Handle{
		Provider:          a.Name(),
		ProviderReference: intent.ID,
		Interaction:       constants.PaymentInteractionClientSecret,
		ClientSecret:      intent.ClientSecret,
		Raw: map[string]interface{}{
			"payment_intent_id": intent.ID,
			"status":            string(intent.Status),
			"publishable_key":   a.cfg.PublishableKey,
		},
	}, nil
}

// ParseCallback 校验 Stripe-Signature 并解析事件
func (a *Adapter) ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*payment.Result, error) {
	if !json.Valid(raw) {
		return nil, payment.Malformed(errors.New("stripe webhook body is not json"))
	}
	tolerance := time.Duration(a.cfg.WebhookToleranceSeconds) * time.Second
	if err := webhook.ValidatePayloadWithTolerance(raw, headers.Get(signatureHeader), a.cfg.WebhookSecret, tolerance); err != nil {
		return &payment.Result{}, nil
	}
	var event stripego.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, payment.Malformed(fmt.Errorf("stripe webhook event decode failed: %w", err))
	}
	if event.Data == nil {
		return nil, payment.Malformed(errors.New("stripe webhook data is required"))
	}
	eventType := string(event.Type)
	rawResult := map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
		"object":     event.Data.Object,
	}

	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		var intent stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, payment.Malformed(fmt.Errorf("stripe payment intent decode failed: %w", err))
		}
		result := intentResult(&intent, rawResult)
		result.Status = mapEventType(eventType, result.Status)
		return result, nil
	case eventType == "charge.refunded":
		var charge stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, payment.Malformed(fmt.Errorf("stripe charge decode failed: %w", err))
		}
		result := &payment.Result{
			OrderID:         charge.Metadata["order_id"],
			ProviderTradeNo: charge.ID,
			Status:          constants.ProviderStatusPending,
			Amount:          fromMinorAmount(charge.Amount, string(charge.Currency)),
			Currency:        strings.ToUpper(string(charge.Currency)),
			Verified:        true,
			Raw:             rawResult,
		}
		if charge.PaymentIntent != nil {
			result.ProviderReference = charge.PaymentIntent.ID
		}
		if charge.Refunded {
			result.Status = constants.ProviderStatusRefunded
		}
		return result, nil
	default:
		return &payment.Result{Status: constants.ProviderStatusPending, Verified: true, Raw: rawResult}, nil
	}
}

// Query 查询 PaymentIntent 状态
func (a *Adapter) Query(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	reference := strings.TrimSpace(order.ProviderReference)
	if reference == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: payment intent id is required", ErrConfigInvalid))
	}
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	intent, err := a.intents.Get(reference, params)
	if err != nil {
		return nil, classify(wrapRequestError(err))
	}
	result := intentResult(intent, map[string]interface{}{
		"payment_intent_id": intent.ID,
		"status":            string(intent.Status),
	})
	if result.OrderID == "" {
		result.OrderID = order.OrderID
	}
	return result, nil
}

// Refund 对 PaymentIntent 发起全额退款
func (a *Adapter) Refund(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	reference := strings.TrimSpace(order.ProviderReference)
	if reference == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: payment intent id is required", ErrConfigInvalid))
	}
	params := &stripego.RefundParams{PaymentIntent: stripego.String(reference)}
	params.Context = ctx
	params.SetIdempotencyKey("memberpay-refund-" + order.OrderID)
	params.AddMetadata("order_id", order.OrderID)
	created, err := a.refunds.New(params)
	if err != nil {
		return nil, classify(wrapRequestError(err))
	}
	status := constants.ProviderStatusPending
	switch created.Status {
	case stripego.RefundStatusSucceeded:
		status = constants.ProviderStatusRefunded
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		return nil, classify(fmt.Errorf("%w: refund status %s", ErrResponseInvalid, created.Status))
	}
	return &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: reference,
		ProviderTradeNo:   created.ID,
		Status:            status,
		Amount:            order.Amount,
		Currency:          order.Currency,
		Verified:          true,
		Raw:               map[string]interface{}{"refund_id": created.ID, "status": string(created.Status)},
	}, nil
}

// Close 取消未完成的 PaymentIntent，已取消视为成功
func (a *Adapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	reference := strings.TrimSpace(order.ProviderReference)
	if reference == "" {
		return nil
	}
	params := &stripego.PaymentIntentCancelParams{
		CancellationReason: stripego.String(string(stripego.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	intent, err := a.intents.Cancel(reference, params)
	if err != nil {
		return classify(wrapRequestError(err))
	}
	if intent.Status != stripego.PaymentIntentStatusCanceled {
		return classify(fmt.Errorf("%w: payment intent status %s", ErrResponseInvalid, intent.Status))
	}
	return nil
}

// Acknowledge JSON 信封应答
func (a *Adapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	return payment.JSONAck(outcome, message)
}

func intentResult(intent *stripego.PaymentIntent, raw map[string]interface{}) *payment.Result {
	result := &payment.Result{
		OrderID:           intent.Metadata["order_id"],
		ProviderReference: intent.ID,
		Status:            MapPaymentIntentStatus(string(intent.Status)),
		Amount:            fromMinorAmount(intent.Amount, string(intent.Currency)),
		Currency:          strings.ToUpper(string(intent.Currency)),
		Verified:          true,
		Raw:               raw,
	}
	if intent.LatestCharge != nil {
		result.ProviderTradeNo = intent.LatestCharge.ID
	}
	return result
}

func mapEventType(eventType string, fallback string) string {
	switch eventType {
	case "payment_intent.succeeded":
		return constants.ProviderStatusPaid
	case "payment_intent.payment_failed":
		return constants.ProviderStatusFailed
	case "payment_intent.canceled":
		return constants.ProviderStatusCancelled
	case "payment_intent.processing", "payment_intent.created", "payment_intent.requires_action":
		return constants.ProviderStatusPending
	default:
		return fallback
	}
}

// MapPaymentIntentStatus 映射 PaymentIntent 状态
func MapPaymentIntentStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return constants.ProviderStatusPaid
	case "canceled":
		return constants.ProviderStatusCancelled
	default:
		return constants.ProviderStatusPending
	}
}

func wrapRequestError(err error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 0 || stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d %s", ErrRequestFailed, stripeErr.HTTPStatusCode, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s %s", ErrResponseInvalid, stripeErr.Code, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrRequestFailed, err)
}

func classify(err error) error {
	return payment.Classify(err, ErrConfigInvalid, ErrRequestFailed, ErrResponseInvalid)
}

func (c *Config) normalize() {
	c.SecretKey = strings.TrimSpace(c.SecretKey)
	c.PublishableKey = strings.TrimSpace(c.PublishableKey)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.WebhookToleranceSeconds <= 0 {
		c.WebhookToleranceSeconds = defaultWebhookToleranceS
	}
	normalized := make([]string, 0, len(c.PaymentMethodTypes))
	for _, item := range c.PaymentMethodTypes {
		if trimmed := strings.ToLower(strings.TrimSpace(item)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		normalized = []string{"card"}
	}
	sort.Strings(normalized)
	c.PaymentMethodTypes = normalized
}

func toMinorAmount(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrConfigInvalid)
	}
	minor := amount.Shift(int32(currencyScale(currency)))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount precision is invalid", ErrConfigInvalid)
	}
	return minor.IntPart(), nil
}

func fromMinorAmount(minor int64, currency string) models.Money {
	return models.NewMoneyFromDecimal(decimal.NewFromInt(minor).Shift(int32(-currencyScale(currency))))
}

func currencyScale(currency string) int {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}
