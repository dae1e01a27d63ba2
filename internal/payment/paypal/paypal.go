package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	ErrConfigInvalid       = errors.New("paypal config invalid")
	ErrAuthFailed          = errors.New("paypal auth failed")
	ErrRequestFailed       = errors.New("paypal request failed")
	ErrResponseInvalid     = errors.New("paypal response invalid")
	ErrWebhookVerifyFailed = errors.New("paypal webhook verify failed")
)

const (
	defaultSandboxBaseURL = "https://api-m.sandbox.paypal.com"
	defaultTimeout        = 12 * time.Second
)

var zeroDecimalCurrencies = map[string]struct{}{
	"HUF": {},
	"JPY": {},
	"TWD": {},
}

var transmissionHeaders = []struct {
	field  string
	header string
}{
	{"transmission_id", "Paypal-Transmission-Id"},
	{"transmission_time", "Paypal-Transmission-Time"},
	{"cert_url", "Paypal-Cert-Url"},
	{"auth_algo", "Paypal-Auth-Algo"},
	{"transmission_sig", "Paypal-Transmission-Sig"},
}

// Config PayPal 渠道配置
type Config struct {
	ClientID           string `json:"client_id"`
	ClientSecret       string `json:"client_secret"`
	BaseURL            string `json:"base_url"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
	WebhookID          string `json:"webhook_id"`
	BrandName          string `json:"brand_name"`
	Locale             string `json:"locale"`
	LandingPage        string `json:"landing_page"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
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
	if cfg.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrConfigInvalid)
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("%w: client_secret is required", ErrConfigInvalid)
	}
	if cfg.WebhookID == "" {
		return fmt.Errorf("%w: webhook_id is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: base_url is invalid", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.ReturnURL); err != nil {
		return fmt.Errorf("%w: return_url is invalid", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.CancelURL); err != nil {
		return fmt.Errorf("%w: cancel_url is invalid", ErrConfigInvalid)
	}
	return nil
}

// Adapter PayPal 渠道适配器，访问令牌由 oauth2 客户端凭证流程自动获取并缓存
type Adapter struct {
	cfg        *Config
	httpClient *http.Client
}

// New 按原始配置创建适配器
func New(raw map[string]interface{}) (payment.Adapter, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	return NewAdapter(cfg, nil)
}

// NewAdapter 创建适配器，base 为空时使用 http.DefaultClient 拉取令牌与调用接口
func NewAdapter(cfg *Config, base *http.Client) (*Adapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, payment.Misconfigured(err)
	}
	if base == nil {
		base = http.DefaultClient
	}
	credentials := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return &Adapter{cfg: cfg, httpClient: credentials.Client(tokenCtx)}, nil
}

// Name 渠道名
func (a *Adapter) Name() string { return constants.ProviderPaypal }

// Initiate 创建 CAPTURE 订单并返回 approve 链接
func (a *Adapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: order is required", ErrConfigInvalid))
	}
	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	if currency == "" || !order.Amount.Decimal.IsPositive() {
		return nil, payment.Misconfigured(fmt.Errorf("%w: amount or currency is invalid", ErrConfigInvalid))
	}
	unit := map[string]interface{}{
		"invoice_id": order.OrderID,
		"custom_id":  order.OrderID,
		"amount": map[string]string{
			"currency_code": currency,
			"value":         formatAmount(order.Amount, currency),
		},
	}
	if description := strings.TrimSpace(order.Description); description != "" {
		unit["description"] = description
	}
	payload := map[string]interface{}{
		"intent":              "CAPTURE",
		"purchase_units":      []map[string]interface{}{unit},
		"application_context": a.applicationContext(),
	}
	raw, err := a.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", payload, "memberpay-order-"+order.OrderID)
	if err != nil {
		return nil, classify(err)
	}
	paypalOrderID := strings.TrimSpace(readString(raw, "id"))
	approveURL := extractLinkByRel(raw, "approve")
	if approveURL == "" {
		approveURL = extractLinkByRel(raw, "payer-action")
	}
	if paypalOrderID == "" || approveURL == "" {
		return nil, classify(fmt.Errorf("%w: missing order id or approve url", ErrResponseInvalid))
	}
	return &payment.Handle{
		Provider:          a.Name(),
		ProviderReference: paypalOrderID,
		Interaction:       constants.PaymentInteractionRedirect,
		RedirectURL:       approveURL,
		Raw:               raw,
	}, nil
}

// ParseCallback 通过 verify-webhook-signature 远程验签后解析事件
func (a *Adapter) ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*payment.Result, error) {
	event, err := parseWebhookEvent(raw)
	if err != nil {
		return nil, payment.Malformed(err)
	}
	verified, err := a.verifyWebhook(ctx, headers, raw)
	if err != nil {
		return nil, classify(err)
	}
	if !verified {
		return &payment.Result{Raw: event.Raw}, nil
	}
	amount, err := event.amount()
	if err != nil {
		return nil, payment.Malformed(err)
	}
	return &payment.Result{
		OrderID:           event.merchantOrderID(),
		ProviderReference: event.relatedOrderID(),
		ProviderTradeNo:   event.captureID(),
		Status:            MapEventType(event.EventType, readString(event.Resource, "status")),
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(readString(event.Resource, "amount", "currency_code"))),
		Verified:          true,
		Raw:               event.Raw,
	}, nil
}

// Query 查询订单，买家已批准时直接捕获
func (a *Adapter) Query(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	reference := strings.TrimSpace(order.ProviderReference)
	if reference == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: paypal order id is required", ErrConfigInvalid))
	}
	endpoint := "/v2/checkout/orders/" + url.PathEscape(reference)
	raw, err := a.doJSON(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, classify(err)
	}
	if strings.EqualFold(readString(raw, "status"), "APPROVED") {
		raw, err = a.doJSON(ctx, http.MethodPost, endpoint+"/capture", map[string]interface{}{}, "memberpay-capture-"+order.OrderID)
		if err != nil {
			return nil, classify(err)
		}
	}
	result := &payment.Result{
		OrderID:           pickFirstNonEmpty(readString(raw, "purchase_units", "0", "custom_id"), order.OrderID),
		ProviderReference: reference,
		Status:            mapOrderStatus(readString(raw, "status")),
		Currency:          order.Currency,
		Verified:          true,
		Raw:               raw,
	}
	if capture := firstCapture(raw); capture != nil {
		result.ProviderTradeNo = strings.TrimSpace(readString(capture, "id"))
		result.Status = mapCaptureStatus(readString(capture, "status"), result.Status)
		if value := strings.TrimSpace(readString(capture, "amount", "value")); value != "" {
			amount, err := models.ParseMoney(value)
			if err != nil {
				return nil, classify(fmt.Errorf("%w: capture amount invalid", ErrResponseInvalid))
			}
			result.Amount = amount
			result.Currency = strings.ToUpper(readString(capture, "amount", "currency_code"))
		}
	} else if value := strings.TrimSpace(readString(raw, "purchase_units", "0", "amount", "value")); value != "" {
		if amount, err := models.ParseMoney(value); err == nil {
			result.Amount = amount
		}
	}
	return result, nil
}

// Refund 按捕获单号全额退款
func (a *Adapter) Refund(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	captureID := strings.TrimSpace(order.ProviderTradeNo)
	if captureID == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: capture id is required", ErrConfigInvalid))
	}
	endpoint := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	raw, err := a.doJSON(ctx, http.MethodPost, endpoint, map[string]interface{}{}, "memberpay-refund-"+order.OrderID)
	if err != nil {
		return nil, classify(err)
	}
	status := constants.ProviderStatusPending
	switch strings.ToUpper(strings.TrimSpace(readString(raw, "status"))) {
	case "COMPLETED":
		status = constants.ProviderStatusRefunded
	case "CANCELLED", "FAILED":
		return nil, classify(fmt.Errorf("%w: refund status %s", ErrResponseInvalid, readString(raw, "status")))
	}
	return &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   captureID,
		Status:            status,
		Amount:            order.Amount,
		Currency:          order.Currency,
		Verified:          true,
		Raw:               raw,
	}, nil
}

// Close CAPTURE 订单只由本服务捕获，未捕获的订单到期自动失效
func (a *Adapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	return nil
}

// Acknowledge JSON 信封应答
func (a *Adapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	return payment.JSONAck(outcome, message)
}

// MapEventType 映射 PayPal 事件到渠道状态
func MapEventType(eventType, resourceStatus string) string {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "PAYMENT.CAPTURE.COMPLETED":
		return constants.ProviderStatusPaid
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "PAYMENT.CAPTURE.FAILED":
		return constants.ProviderStatusFailed
	case "CHECKOUT.ORDER.VOIDED":
		return constants.ProviderStatusCancelled
	case "PAYMENT.CAPTURE.REFUNDED":
		return constants.ProviderStatusRefunded
	case "CHECKOUT.ORDER.APPROVED", "PAYMENT.CAPTURE.PENDING":
		return constants.ProviderStatusPending
	}
	if strings.EqualFold(strings.TrimSpace(resourceStatus), "COMPLETED") {
		return constants.ProviderStatusPaid
	}
	return constants.ProviderStatusPending
}

func mapOrderStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return constants.ProviderStatusPaid
	case "VOIDED":
		return constants.ProviderStatusCancelled
	default:
		return constants.ProviderStatusPending
	}
}

func mapCaptureStatus(status string, fallback string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return constants.ProviderStatusPaid
	case "DECLINED", "FAILED":
		return constants.ProviderStatusFailed
	case "REFUNDED":
		return constants.ProviderStatusRefunded
	case "PENDING":
		return constants.ProviderStatusPending
	default:
		return fallback
	}
}

// verifyWebhook 缺少传输头时直接判定验签失败，不请求远端
func (a *Adapter) verifyWebhook(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	payload := map[string]interface{}{
		"webhook_id":    a.cfg.WebhookID,
		"webhook_event": json.RawMessage(body),
	}
	for _, item := range transmissionHeaders {
		value := strings.TrimSpace(headers.Get(item.header))
		if value == "" {
			return false, nil
		}
		payload[item.field] = value
	}
	raw, err := a.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, "")
	if err != nil {
		if errors.Is(err, ErrResponseInvalid) {
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(readString(raw, "verification_status")), "SUCCESS"), nil
}

func (a *Adapter) doJSON(ctx context.Context, method, endpoint string, payload interface{}, requestID string) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal request failed", ErrConfigInvalid)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request failed", ErrRequestFailed)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrRequestFailed)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d body %s", ErrResponseInvalid, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	raw := map[string]interface{}{}
	if len(respBody) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	return raw, nil
}

// wrapTransportError 令牌接口拒绝凭证视为配置错误，其余网络错误可重试
func wrapTransportError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
			return fmt.Errorf("%w: token status %d", ErrAuthFailed, retrieveErr.Response.StatusCode)
		}
		return fmt.Errorf("%w: token request failed: %v", ErrRequestFailed, err)
	}
	return fmt.Errorf("%w: http request failed: %v", ErrRequestFailed, err)
}

func classify(err error) error {
	if errors.Is(err, ErrAuthFailed) {
		return payment.Misconfigured(err)
	}
	return payment.Classify(err, ErrConfigInvalid, ErrRequestFailed, ErrResponseInvalid)
}

func (a *Adapter) applicationContext() map[string]string {
	ctx := map[string]string{
		"return_url":          a.cfg.ReturnURL,
		"cancel_url":          a.cfg.CancelURL,
		"user_action":         a.cfg.UserAction,
		"shipping_preference": a.cfg.ShippingPreference,
	}
	if a.cfg.BrandName != "" {
		ctx["brand_name"] = a.cfg.BrandName
	}
	if a.cfg.Locale != "" {
		ctx["locale"] = a.cfg.Locale
	}
	if a.cfg.LandingPage != "" {
		ctx["landing_page"] = a.cfg.LandingPage
	}
	return ctx
}

func formatAmount(amount models.Money, currency string) string {
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		return amount.Decimal.StringFixed(0)
	}
	return amount.Decimal.StringFixed(2)
}

func firstCapture(raw map[string]interface{}) map[string]interface{} {
	captures := readArray(raw, "purchase_units", "0", "payments", "captures")
	if len(captures) == 0 {
		return nil
	}
	capture, _ := captures[0].(map[string]interface{})
	return capture
}

func (c *Config) normalize() {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultSandboxBaseURL
	}
	c.ReturnURL = strings.TrimSpace(c.ReturnURL)
	c.CancelURL = strings.TrimSpace(c.CancelURL)
	c.WebhookID = strings.TrimSpace(c.WebhookID)
	c.BrandName = strings.TrimSpace(c.BrandName)
	c.Locale = strings.TrimSpace(c.Locale)
	c.LandingPage = strings.TrimSpace(c.LandingPage)
	c.UserAction = strings.TrimSpace(c.UserAction)
	if c.UserAction == "" {
		c.UserAction = "PAY_NOW"
	}
	c.ShippingPreference = strings.TrimSpace(c.ShippingPreference)
	if c.ShippingPreference == "" {
		c.ShippingPreference = "NO_SHIPPING"
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

func extractLinkByRel(raw map[string]interface{}, rel string) string {
	links, ok := raw["links"].([]interface{})
	if !ok {
		return ""
	}
	for _, item := range links {
		linkMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(readString(linkMap, "rel")), rel) {
			continue
		}
		if href := strings.TrimSpace(readString(linkMap, "href")); href != "" {
			return href
		}
	}
	return ""
}

func pickFirstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func walk(raw map[string]interface{}, path ...string) interface{} {
	if raw == nil {
		return nil
	}
	var current interface{} = raw
	for _, seg := range path {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			current = arr[idx]
			continue
		}
		next, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = next[seg]
	}
	return current
}

func readString(raw map[string]interface{}, path ...string) string {
	current := walk(raw, path...)
	if current == nil {
		return ""
	}
	if str, ok := current.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", current)
}

func readArray(raw map[string]interface{}, path ...string) []interface{} {
	arr, _ := walk(raw, path...).([]interface{})
	return arr
}
