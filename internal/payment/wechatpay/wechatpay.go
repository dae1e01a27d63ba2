package wechatpay

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/downloader"
	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/core/option"
	"github.com/wechatpay-apiv3/wechatpay-go/services/payments"
)

var (
	ErrConfigInvalid    = errors.New("wechatpay config invalid")
	ErrRequestFailed    = errors.New("wechatpay request failed")
	ErrResponseInvalid  = errors.New("wechatpay response invalid")
	ErrSignatureInvalid = errors.New("wechatpay signature invalid")
)

const (
	defaultBaseURL = "https://api.mch.weixin.qq.com"
	defaultTimeout = 12 * time.Second
	currencyCNY    = "CNY"
)

// Config 微信支付 APIv3 配置
type Config struct {
	AppID               string `json:"appid"`
	MerchantID          string `json:"mchid"`
	MerchantSerialNo    string `json:"merchant_serial_no"`
	MerchantPrivateKey  string `json:"merchant_private_key"`
	APIV3Key            string `json:"api_v3_key"`
	PlatformCertificate string `json:"platform_certificate"`
	NotifyURL           string `json:"notify_url"`
	InteractionMode     string `json:"interaction_mode"`
	H5RedirectURL       string `json:"h5_redirect_url"`
	H5Type              string `json:"h5_type"`
	H5WapURL            string `json:"h5_wap_url"`
	H5WapName           string `json:"h5_wap_name"`
	BaseURL             string `json:"base_url"`
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
	if cfg.AppID == "" {
		return fmt.Errorf("%w: appid is required", ErrConfigInvalid)
	}
	if cfg.MerchantID == "" {
		return fmt.Errorf("%w: mchid is required", ErrConfigInvalid)
	}
	if cfg.MerchantSerialNo == "" {
		return fmt.Errorf("%w: merchant_serial_no is required", ErrConfigInvalid)
	}
	if cfg.MerchantPrivateKey == "" {
		return fmt.Errorf("%w: merchant_private_key is required", ErrConfigInvalid)
	}
	if len(cfg.APIV3Key) != 32 {
		return fmt.Errorf("%w: api_v3_key must be 32 chars", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.NotifyURL); err != nil {
		return fmt.Errorf("%w: notify_url is invalid", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: base_url is invalid", ErrConfigInvalid)
	}
	if !IsSupportedInteractionMode(cfg.InteractionMode) {
		return fmt.Errorf("%w: interaction_mode %s is not supported", ErrConfigInvalid, cfg.InteractionMode)
	}
	if cfg.InteractionMode == constants.PaymentInteractionRedirect {
		if cfg.H5RedirectURL == "" {
			return fmt.Errorf("%w: h5_redirect_url is required for mode %s", ErrConfigInvalid, cfg.InteractionMode)
		}
		if _, err := url.ParseRequestURI(cfg.H5RedirectURL); err != nil {
			return fmt.Errorf("%w: h5_redirect_url is invalid", ErrConfigInvalid)
		}
	}
	if cfg.H5WapURL != "" {
		if _, err := url.ParseRequestURI(cfg.H5WapURL); err != nil {
			return fmt.Errorf("%w: h5_wap_url is invalid", ErrConfigInvalid)
		}
	}
	switch cfg.H5Type {
	case "WAP", "IOS", "ANDROID":
	default:
		return fmt.Errorf("%w: h5_type is invalid", ErrConfigInvalid)
	}
	return nil
}

// Adapter 微信支付渠道适配器
type Adapter struct {
	cfg        *Config
	privateKey *rsa.PrivateKey
	client     *core.Client

	mu      sync.Mutex
	handler *notify.Handler
}

// New 按原始配置创建适配器
func New(raw map[string]interface{}) (payment.Adapter, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	return NewAdapter(context.Background(), cfg)
}

// NewAdapter 创建适配器，配置了平台证书时回调验签不依赖证书下载
func NewAdapter(ctx context.Context, cfg *Config) (*Adapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, payment.Misconfigured(err)
	}
	privateKey, err := parsePrivateKey(cfg.MerchantPrivateKey)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	client, err := core.NewClient(ctx,
		option.WithMerchantCredential(cfg.MerchantID, cfg.MerchantSerialNo, privateKey),
		option.WithoutValidator(),
	)
	if err != nil {
		return nil, payment.Misconfigured(fmt.Errorf("%w: init client failed", ErrConfigInvalid))
	}
	adapter := &Adapter{cfg: cfg, privateKey: privateKey, client: client}
	if cfg.PlatformCertificate != "" {
		cert, err := parseCertificate(cfg.PlatformCertificate)
		if err != nil {
			return nil, payment.Misconfigured(err)
		}
		verifier := verifiers.NewSHA256WithRSAVerifier(core.NewCertificateMapWithList([]*x509.Certificate{cert}))
		handler, err := notify.NewRSANotifyHandler(cfg.APIV3Key, verifier)
		if err != nil {
			return nil, payment.Misconfigured(fmt.Errorf("%w: init notify handler failed", ErrConfigInvalid))
		}
		adapter.handler = handler
	}
	return adapter, nil
}

// Name 渠道名
func (a *Adapter) Name() string { return constants.ProviderWechat }

// Initiate 下单，qr 走 Native 支付，redirect 走 H5 支付
func (a *Adapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: order is required", ErrConfigInvalid))
	}
	if currency := strings.ToUpper(strings.TrimSpace(order.Currency)); currency != "" && currency != currencyCNY {
		return nil, payment.Misconfigured(fmt.Errorf("%w: currency %s is not supported", ErrConfigInvalid, currency))
	}
	amountFen, err := convertAmountToFen(order.Amount.Decimal)
	if err != nil {
		return nil, classify(err)
	}

	payload := map[string]interface{}{
		"appid":        a.cfg.AppID,
		"mchid":        a.cfg.MerchantID,
		"description":  buildDescription(order.Description, order.OrderID),
		"out_trade_no": order.OrderID,
		"attach":       order.MembershipPlanID,
		"notify_url":   a.cfg.NotifyURL,
		"amount": map[string]interface{}{
			"total":    amountFen,
			"currency": currencyCNY,
		},
	}
	clientIP := normalizeClientIP(order.ClientIP)
	endpoint := "/v3/pay/transactions/native"
	if a.cfg.InteractionMode == constants.PaymentInteractionRedirect {
		endpoint = "/v3/pay/transactions/h5"
		h5Info := map[string]interface{}{"type": a.cfg.H5Type}
		if a.cfg.H5WapName != "" {
			h5Info["app_name"] = a.cfg.H5WapName
		}
		if a.cfg.H5WapURL != "" {
			h5Info["app_url"] = a.cfg.H5WapURL
		}
		payload["scene_info"] = map[string]interface{}{
			"payer_client_ip": clientIP,
			"h5_info":         h5Info,
		}
	} else {
		payload["scene_info"] = map[string]interface{}{"payer_client_ip": clientIP}
	}

	raw, err := a.postJSON(ctx, endpoint, payload)
	if err != nil {
		return nil, classify(err)
	}
	handle := &payment.Handle{
		Provider:          a.Name(),
		ProviderReference: order.OrderID,
		Raw:               raw,
	}
	if a.cfg.InteractionMode == constants.PaymentInteractionRedirect {
		h5URL := readString(raw, "h5_url")
		if h5URL == "" {
			return nil, classify(fmt.Errorf("%w: missing h5_url", ErrResponseInvalid))
		}
		handle.Interaction = constants.PaymentInteractionRedirect
		handle.RedirectURL = appendRedirectURL(h5URL, a.cfg.H5RedirectURL)
		return handle, nil
	}
	codeURL := readString(raw, "code_url")
	if codeURL == "" {
		return nil, classify(fmt.Errorf("%w: missing code_url", ErrResponseInvalid))
	}
	handle.Interaction = constants.PaymentInteractionQR
	handle.QRCode = codeURL
	return handle, nil
}

// ParseCallback 验签并解密支付/退款通知
func (a *Adapter) ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*payment.Result, error) {
	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, payment.Malformed(fmt.Errorf("wechatpay callback decode failed: %w", err))
	}
	if _, ok := body["resource"].(map[string]interface{}); !ok {
		return nil, payment.Malformed(errors.New("wechatpay callback resource is required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	handler, err := a.notifyHandler(ctx)
	if err != nil {
		return nil, classify(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.NotifyURL, bytes.NewReader(raw))
	if err != nil {
		return nil, payment.Malformed(fmt.Errorf("wechatpay callback build request failed: %w", err))
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	content := map[string]interface{}{}
	notifyReq, err := handler.ParseNotifyRequest(ctx, req, &content)
	if err != nil {
		return &payment.Result{Raw: body}, nil
	}

	eventType := strings.ToUpper(strings.TrimSpace(notifyReq.EventType))
	plaintext := ""
	if notifyReq.Resource != nil {
		plaintext = notifyReq.Resource.Plaintext
	}
	body["event_type"] = eventType
	body["resource_plaintext"] = content
	if strings.HasPrefix(eventType, "REFUND.") {
		return parseRefundNotice(content, body), nil
	}

	transaction := new(payments.Transaction)
	if err := json.Unmarshal([]byte(plaintext), transaction); err != nil {
		return nil, payment.Malformed(fmt.Errorf("wechatpay callback transaction decode failed: %w", err))
	}
	result := &payment.Result{
		OrderID:           pointerString(transaction.OutTradeNo),
		ProviderReference: pointerString(transaction.OutTradeNo),
		ProviderTradeNo:   pointerString(transaction.TransactionId),
		Status:            MapTradeState(pointerString(transaction.TradeState)),
		Currency:          currencyCNY,
		Verified:          true,
		Raw:               body,
	}
	if transaction.Amount != nil {
		if transaction.Amount.Total != nil {
			result.Amount = fenToMoney(*transaction.Amount.Total)
		}
		if currency := strings.ToUpper(pointerString(transaction.Amount.Currency)); currency != "" {
			result.Currency = currency
		}
	}
	return result, nil
}

// Query 按商户单号查单
func (a *Adapter) Query(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	endpoint := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(order.OrderID) +
		"?mchid=" + url.QueryEscape(a.cfg.MerchantID)
	raw, err := a.getJSON(ctx, endpoint)
	if err != nil {
		return nil, classify(err)
	}
	result := &payment.Result{
		OrderID:           pickFirstNonEmpty(readString(raw, "out_trade_no"), order.OrderID),
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   readString(raw, "transaction_id"),
		Status:            MapTradeState(readString(raw, "trade_state")),
		Currency:          pickFirstNonEmpty(strings.ToUpper(readString(raw, "amount", "currency")), currencyCNY),
		Verified:          true,
		Raw:               raw,
	}
	if fen, ok := readInt64(raw, "amount", "total"); ok {
		result.Amount = fenToMoney(fen)
	}
	return result, nil
}

// Refund 全额退款，处理中的退款由退款通知最终确认
func (a *Adapter) Refund(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	amountFen, err := convertAmountToFen(order.Amount.Decimal)
	if err != nil {
		return nil, classify(err)
	}
	payload := map[string]interface{}{
		"out_trade_no":  order.OrderID,
		"out_refund_no": order.OrderID + "R",
		"notify_url":    a.cfg.NotifyURL,
		"amount": map[string]interface{}{
			"refund":   amountFen,
			"total":    amountFen,
			"currency": currencyCNY,
		},
	}
	raw, err := a.postJSON(ctx, "/v3/refund/domestic/refunds", payload)
	if err != nil {
		return nil, classify(err)
	}
	status, err := mapRefundStatus(readString(raw, "status"))
	if err != nil {
		return nil, classify(err)
	}
	return &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   readString(raw, "transaction_id"),
		Status:            status,
		Amount:            order.Amount,
		Currency:          currencyCNY,
		Verified:          true,
		Raw:               raw,
	}, nil
}

// Close 关闭商户订单，成功时微信返回 204 无响应体
func (a *Adapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	endpoint := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(order.OrderID) + "/close"
	result, err := a.client.Post(ctx, a.cfg.BaseURL+endpoint, map[string]interface{}{"mchid": a.cfg.MerchantID})
	if err != nil {
		return classify(wrapRequestError(err))
	}
	if result != nil && result.Response != nil && result.Response.Body != nil {
		result.Response.Body.Close()
	}
	return nil
}

// Acknowledge 微信要求 JSON 应答，非 2xx 触发重投
func (a *Adapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	statusCode := http.StatusOK
	code := "SUCCESS"
	switch outcome {
	case payment.OutcomeAck:
		message = "成功"
	case payment.OutcomeReject:
		statusCode = http.StatusBadRequest
		code = "FAIL"
	default:
		statusCode = http.StatusInternalServerError
		code = "FAIL"
	}
	if strings.TrimSpace(message) == "" {
		message = "失败"
	}
	body, err := json.Marshal(map[string]string{"code": code, "message": message})
	if err != nil {
		body = []byte(`{"code":"FAIL","message":"失败"}`)
	}
	return payment.Ack{StatusCode: statusCode, ContentType: "application/json", Body: body}
}

// MapTradeState 映射微信交易状态
func MapTradeState(tradeState string) string {
	switch strings.ToUpper(strings.TrimSpace(tradeState)) {
	case "SUCCESS":
		return constants.ProviderStatusPaid
	case "CLOSED", "REVOKED":
		return constants.ProviderStatusCancelled
	case "PAYERROR":
		return constants.ProviderStatusFailed
	case "REFUND":
		return constants.ProviderStatusRefunded
	default:
		return constants.ProviderStatusPending
	}
}

// IsSupportedInteractionMode 是否支持交互模式
func IsSupportedInteractionMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case constants.PaymentInteractionQR, constants.PaymentInteractionRedirect:
		return true
	default:
		return false
	}
}

// notifyHandler 未配置平台证书时通过证书下载器获取
func (a *Adapter) notifyHandler(ctx context.Context) (*notify.Handler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler != nil {
		return a.handler, nil
	}
	mgr := downloader.MgrInstance()
	if !mgr.HasDownloader(ctx, a.cfg.MerchantID) {
		if err := mgr.RegisterDownloaderWithPrivateKey(ctx, a.privateKey, a.cfg.MerchantSerialNo, a.cfg.MerchantID, a.cfg.APIV3Key); err != nil {
			return nil, fmt.Errorf("%w: register certificate downloader failed: %v", ErrRequestFailed, err)
		}
	}
	verifier := verifiers.NewSHA256WithRSAVerifier(mgr.GetCertificateVisitor(a.cfg.MerchantID))
	handler, err := notify.NewRSANotifyHandler(a.cfg.APIV3Key, verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: init notify handler failed", ErrConfigInvalid)
	}
	a.handler = handler
	return handler, nil
}

func parseRefundNotice(content map[string]interface{}, body map[string]interface{}) *payment.Result {
	status := constants.ProviderStatusPending
	if strings.EqualFold(readString(content, "refund_status"), "SUCCESS") {
		status = constants.ProviderStatusRefunded
	}
	result := &payment.Result{
		OrderID:           readString(content, "out_trade_no"),
		ProviderReference: readString(content, "out_trade_no"),
		ProviderTradeNo:   readString(content, "transaction_id"),
		Status:            status,
		Currency:          currencyCNY,
		Verified:          true,
		Raw:               body,
	}
	if fen, ok := readInt64(content, "amount", "total"); ok {
		result.Amount = fenToMoney(fen)
	}
	return result
}

func mapRefundStatus(status string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS":
		return constants.ProviderStatusRefunded, nil
	case "PROCESSING", "":
		return constants.ProviderStatusPending, nil
	default:
		return "", fmt.Errorf("%w: refund status %s", ErrResponseInvalid, status)
	}
}

func (a *Adapter) postJSON(ctx context.Context, endpoint string, payload map[string]interface{}) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	result, err := a.client.Post(ctx, a.cfg.BaseURL+endpoint, payload)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	return parseAPIResult(result)
}

func (a *Adapter) getJSON(ctx context.Context, endpoint string) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	result, err := a.client.Get(ctx, a.cfg.BaseURL+endpoint)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	return parseAPIResult(result)
}

func wrapRequestError(err error) error {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d %s", ErrRequestFailed, apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return fmt.Errorf("%w: %s %s", ErrResponseInvalid, strings.TrimSpace(apiErr.Code), strings.TrimSpace(apiErr.Message))
	}
	return fmt.Errorf("%w: %v", ErrRequestFailed, err)
}

func parseAPIResult(result *core.APIResult) (map[string]interface{}, error) {
	if result == nil || result.Response == nil || result.Response.Body == nil {
		return nil, fmt.Errorf("%w: empty response", ErrResponseInvalid)
	}
	defer result.Response.Body.Close()

	respBody, err := io.ReadAll(result.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrRequestFailed)
	}
	if result.Response.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, result.Response.StatusCode)
	}
	if result.Response.StatusCode < 200 || result.Response.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d body %s", ErrResponseInvalid, result.Response.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrResponseInvalid)
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	return raw, nil
}

func classify(err error) error {
	if errors.Is(err, ErrSignatureInvalid) {
		return payment.Rejected(err)
	}
	return payment.Classify(err, ErrConfigInvalid, ErrRequestFailed, ErrResponseInvalid)
}

func convertAmountToFen(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrConfigInvalid)
	}
	fen := amount.Shift(2)
	if !fen.Equal(fen.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount precision exceeds fen", ErrConfigInvalid)
	}
	return fen.IntPart(), nil
}

func fenToMoney(fen int64) models.Money {
	return models.NewMoneyFromDecimal(decimal.NewFromInt(fen).Shift(-2))
}

func normalizeClientIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed := net.ParseIP(raw); parsed != nil {
		return parsed.String()
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		if parsed := net.ParseIP(strings.TrimSpace(host)); parsed != nil {
			return parsed.String()
		}
	}
	return "127.0.0.1"
}

func appendRedirectURL(h5URL string, redirectURL string) string {
	if h5URL == "" || redirectURL == "" {
		return h5URL
	}
	parsed, err := url.Parse(h5URL)
	if err != nil {
		return h5URL
	}
	query := parsed.Query()
	query.Set("redirect_url", redirectURL)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func lookup(raw map[string]interface{}, keys ...string) (interface{}, bool) {
	var current interface{} = raw
	for _, key := range keys {
		mapValue, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, ok := mapValue[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, len(keys) > 0
}

func readString(raw map[string]interface{}, keys ...string) string {
	value, ok := lookup(raw, keys...)
	if !ok {
		return ""
	}
	if str, ok := value.(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}

func readInt64(raw map[string]interface{}, keys ...string) (int64, bool) {
	value, ok := lookup(raw, keys...)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		parsed, err := v.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func pointerString(val *string) string {
	if val == nil {
		return ""
	}
	return strings.TrimSpace(*val)
}

func pickFirstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func buildDescription(description string, orderNo string) string {
	if description = strings.TrimSpace(description); description != "" {
		return description
	}
	return "会员订单 " + orderNo
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

func normalizePEM(raw, blockType string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, "\\n", "\n"))
	if normalized == "" {
		return ""
	}
	if !strings.Contains(normalized, "BEGIN") {
		return "-----BEGIN " + blockType + "-----\n" + normalized + "\n-----END " + blockType + "-----"
	}
	return normalized
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	normalized := normalizePEM(raw, "PRIVATE KEY")
	if normalized == "" {
		return nil, fmt.Errorf("%w: merchant_private_key is empty", ErrConfigInvalid)
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: merchant_private_key pem decode failed", ErrConfigInvalid)
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		privateKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: merchant_private_key type is not rsa", ErrConfigInvalid)
		}
		return privateKey, nil
	}
	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}
	return nil, fmt.Errorf("%w: parse merchant_private_key failed", ErrConfigInvalid)
}

func parseCertificate(raw string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(normalizePEM(raw, "CERTIFICATE")))
	if block == nil {
		return nil, fmt.Errorf("%w: platform_certificate pem decode failed", ErrConfigInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse platform_certificate failed", ErrConfigInvalid)
	}
	return cert, nil
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.MerchantID = strings.TrimSpace(c.MerchantID)
	c.MerchantSerialNo = strings.TrimSpace(c.MerchantSerialNo)
	c.MerchantPrivateKey = strings.TrimSpace(c.MerchantPrivateKey)
	c.APIV3Key = strings.TrimSpace(c.APIV3Key)
	c.PlatformCertificate = strings.TrimSpace(c.PlatformCertificate)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.InteractionMode = strings.ToLower(strings.TrimSpace(c.InteractionMode))
	c.H5RedirectURL = strings.TrimSpace(c.H5RedirectURL)
	c.H5Type = strings.ToUpper(strings.TrimSpace(c.H5Type))
	c.H5WapURL = strings.TrimSpace(c.H5WapURL)
	c.H5WapName = strings.TrimSpace(c.H5WapName)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.InteractionMode == "" {
		c.InteractionMode = constants.PaymentInteractionQR
	}
	if c.H5Type == "" {
		c.H5Type = "WAP"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
}
