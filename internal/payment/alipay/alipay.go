package alipay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/payment"
)

var (
	ErrConfigInvalid    = errors.New("alipay config invalid")
	ErrSignGenerate     = errors.New("alipay sign generate failed")
	ErrRequestFailed    = errors.New("alipay request failed")
	ErrResponseInvalid  = errors.New("alipay response invalid")
	ErrSignatureInvalid = errors.New("alipay signature invalid")
)

const (
	defaultTimeout    = 12 * time.Second
	defaultGatewayURL = "https://openapi.alipay.com/gateway.do"
	codeSuccess       = "10000"
	tradeNotExistCode = "ACQ.TRADE_NOT_EXIST"
)

// Config 支付宝开放平台配置
type Config struct {
	AppID            string `json:"app_id"`
	PrivateKey       string `json:"private_key"`
	AlipayPublicKey  string `json:"alipay_public_key"`
	GatewayURL       string `json:"gateway_url"`
	NotifyURL        string `json:"notify_url"`
	ReturnURL        string `json:"return_url"`
	QuitURL          string `json:"quit_url"`
	SignType         string `json:"sign_type"`
	InteractionMode  string `json:"interaction_mode"`
	TimeoutExpress   string `json:"timeout_express"`
	AppCertSN        string `json:"app_cert_sn"`
	AlipayRootCertSN string `json:"alipay_root_cert_sn"`
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

// ValidateConfig 校验配置完整性
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if cfg.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrConfigInvalid)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", ErrConfigInvalid)
	}
	if cfg.AlipayPublicKey == "" {
		return fmt.Errorf("%w: alipay_public_key is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.GatewayURL); err != nil {
		return fmt.Errorf("%w: gateway_url is invalid", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.NotifyURL); err != nil {
		return fmt.Errorf("%w: notify_url is invalid", ErrConfigInvalid)
	}
	if !IsSupportedInteractionMode(cfg.InteractionMode) {
		return fmt.Errorf("%w: interaction_mode %s is not supported", ErrConfigInvalid, cfg.InteractionMode)
	}
	if cfg.InteractionMode != constants.PaymentInteractionQR && cfg.ReturnURL == "" {
		return fmt.Errorf("%w: return_url is required for mode %s", ErrConfigInvalid, cfg.InteractionMode)
	}
	if cfg.SignType != "RSA2" && cfg.SignType != "RSA" {
		return fmt.Errorf("%w: sign_type is invalid", ErrConfigInvalid)
	}
	return nil
}

// Adapter 支付宝渠道适配器
type Adapter struct {
	cfg        *Config
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
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

// NewAdapter 创建适配器，httpClient 为空时使用默认客户端
func NewAdapter(cfg *Config, httpClient *http.Client) (*Adapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, payment.Misconfigured(err)
	}
	privateKey, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	publicKey, err := parsePublicKey(cfg.AlipayPublicKey)
	if err != nil {
		return nil, payment.Misconfigured(err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{cfg: cfg, privateKey: privateKey, publicKey: publicKey, httpClient: httpClient}, nil
}

// Name 渠道名
func (a *Adapter) Name() string { return constants.ProviderAlipay }

// Initiate 发起下单，qr 模式请求预下单接口，page/wap 模式生成跳转链接
func (a *Adapter) Initiate(ctx context.Context, order *models.PaymentOrder) (*payment.Handle, error) {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return nil, payment.Misconfigured(fmt.Errorf("%w: order is required", ErrConfigInvalid))
	}
	if !order.Amount.Decimal.IsPositive() {
		return nil, payment.Misconfigured(fmt.Errorf("%w: amount is invalid", ErrConfigInvalid))
	}
	mode := a.cfg.InteractionMode
	method := resolveMethod(mode)
	subject := strings.TrimSpace(order.Description)
	if subject == "" {
		subject = order.MembershipPlanID
	}
	biz := map[string]interface{}{
		"out_trade_no": order.OrderID,
		"total_amount": order.Amount.String(),
		"subject":      subject,
		"product_code": productCode(mode),
	}
	if a.cfg.TimeoutExpress != "" {
		biz["timeout_express"] = a.cfg.TimeoutExpress
	}
	if mode == constants.PaymentInteractionWAP && a.cfg.QuitURL != "" {
		biz["quit_url"] = a.cfg.QuitURL
	}
	params, err := a.signedParams(method, biz, true)
	if err != nil {
		return nil, classify(err)
	}

	if mode != constants.PaymentInteractionQR {
		payURL := buildGatewayPayURL(a.cfg.GatewayURL, params)
		return &payment.Handle{
			Provider:          a.Name(),
			ProviderReference: order.OrderID,
			Interaction:       constants.PaymentInteractionRedirect,
			RedirectURL:       payURL,
			Raw:               map[string]interface{}{"method": method, "pay_url": payURL},
		}, nil
	}

	node, raw, err := a.call(ctx, method, params)
	if err != nil {
		return nil, classify(err)
	}
	qrCode := strings.TrimSpace(readString(node, "qr_code"))
	if qrCode == "" {
		return nil, classify(fmt.Errorf("%w: qr_code is empty", ErrResponseInvalid))
	}
	reference := strings.TrimSpace(readString(node, "out_trade_no"))
	if reference == "" {
		reference = order.OrderID
	}
	return &payment.Handle{
		Provider:          a.Name(),
		ProviderReference: reference,
		Interaction:       constants.PaymentInteractionQR,
		QRCode:            qrCode,
		Raw:               raw,
	}, nil
}

// ParseCallback 解析异步通知（application/x-www-form-urlencoded）
func (a *Adapter) ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*payment.Result, error) {
	form, err := url.ParseQuery(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, payment.Malformed(fmt.Errorf("alipay callback form decode failed: %w", err))
	}
	if len(form) == 0 || form.Get("out_trade_no") == "" {
		return nil, payment.Malformed(errors.New("alipay callback out_trade_no is required"))
	}
	params := formToParams(form)
	result := &payment.Result{
		OrderID:           strings.TrimSpace(form.Get("out_trade_no")),
		ProviderReference: strings.TrimSpace(form.Get("out_trade_no")),
		ProviderTradeNo:   strings.TrimSpace(form.Get("trade_no")),
		Status:            MapTradeStatus(form.Get("trade_status")),
		Currency:          constants.DefaultCurrency,
		Raw:               toRaw(params),
	}
	if form.Get("app_id") != "" && form.Get("app_id") != a.cfg.AppID {
		return result, nil
	}
	signType := strings.ToUpper(strings.TrimSpace(form.Get("sign_type")))
	if signType == "" {
		signType = a.cfg.SignType
	}
	if err := verifyContent([]byte(buildSignContent(params)), form.Get("sign"), a.publicKey, signType); err != nil {
		return result, nil
	}
	result.Verified = true
	if amountRaw := strings.TrimSpace(form.Get("total_amount")); amountRaw != "" {
		amount, err := models.ParseMoney(amountRaw)
		if err != nil {
			return nil, payment.Malformed(fmt.Errorf("alipay callback total_amount invalid: %w", err))
		}
		result.Amount = amount
	}
	return result, nil
}

// Query 查询交易状态，交易不存在视为待支付
func (a *Adapter) Query(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	method := "alipay.trade.query"
	params, err := a.signedParams(method, map[string]interface{}{"out_trade_no": order.OrderID}, false)
	if err != nil {
		return nil, classify(err)
	}
	node, raw, err := a.call(ctx, method, params)
	if err != nil {
		if errors.Is(err, errTradeNotExist) {
			return &payment.Result{
				OrderID:           order.OrderID,
				ProviderReference: order.ProviderReference,
				Status:            constants.ProviderStatusPending,
				Verified:          true,
			}, nil
		}
		return nil, classify(err)
	}
	result := &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   strings.TrimSpace(readString(node, "trade_no")),
		Status:            MapTradeStatus(readString(node, "trade_status")),
		Currency:          constants.DefaultCurrency,
		Verified:          true,
		Raw:               raw,
	}
	if amountRaw := strings.TrimSpace(readString(node, "total_amount")); amountRaw != "" {
		amount, err := models.ParseMoney(amountRaw)
		if err != nil {
			return nil, classify(fmt.Errorf("%w: total_amount invalid", ErrResponseInvalid))
		}
		result.Amount = amount
	}
	return result, nil
}

// Refund 全额退款
func (a *Adapter) Refund(ctx context.Context, order *models.PaymentOrder) (*payment.Result, error) {
	method := "alipay.trade.refund"
	biz := map[string]interface{}{
		"out_trade_no":   order.OrderID,
		"refund_amount":  order.Amount.String(),
		"out_request_no": order.OrderID + "-refund",
	}
	params, err := a.signedParams(method, biz, false)
	if err != nil {
		return nil, classify(err)
	}
	node, raw, err := a.call(ctx, method, params)
	if err != nil {
		return nil, classify(err)
	}
	status := constants.ProviderStatusPending
	if strings.EqualFold(readString(node, "fund_change"), "Y") {
		status = constants.ProviderStatusRefunded
	}
	return &payment.Result{
		OrderID:           order.OrderID,
		ProviderReference: order.ProviderReference,
		ProviderTradeNo:   strings.TrimSpace(readString(node, "trade_no")),
		Status:            status,
		Amount:            order.Amount,
		Currency:          constants.DefaultCurrency,
		Verified:          true,
		Raw:               raw,
	}, nil
}

// Close 关闭未支付交易，买家未扫码时交易不存在
func (a *Adapter) Close(ctx context.Context, order *models.PaymentOrder) error {
	method := "alipay.trade.close"
	params, err := a.signedParams(method, map[string]interface{}{"out_trade_no": order.OrderID}, false)
	if err != nil {
		return classify(err)
	}
	if _, _, err := a.call(ctx, method, params); err != nil && !errors.Is(err, errTradeNotExist) {
		return classify(err)
	}
	return nil
}

// Acknowledge 支付宝只认 success 文本，其他内容都会触发重投
func (a *Adapter) Acknowledge(outcome payment.Outcome, message string) payment.Ack {
	switch outcome {
	case payment.OutcomeAck:
		return payment.Ack{StatusCode: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte("success")}
	case payment.OutcomeReject:
		return payment.Ack{StatusCode: http.StatusBadRequest, ContentType: "text/plain; charset=utf-8", Body: []byte("fail")}
	default:
		return payment.Ack{StatusCode: http.StatusInternalServerError, ContentType: "text/plain; charset=utf-8", Body: []byte("fail")}
	}
}

// MapTradeStatus 映射支付宝交易状态
func MapTradeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		return constants.ProviderStatusPaid
	case "TRADE_CLOSED":
		return constants.ProviderStatusCancelled
	default:
		return constants.ProviderStatusPending
	}
}

var errTradeNotExist = errors.New("alipay trade not exist")

func (a *Adapter) signedParams(method string, biz map[string]interface{}, withNotify bool) (map[string]string, error) {
	bizBytes, err := json.Marshal(biz)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal biz_content failed", ErrConfigInvalid)
	}
	params := map[string]string{
		"app_id":      a.cfg.AppID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   a.cfg.SignType,
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": string(bizBytes),
	}
	if withNotify {
		params["notify_url"] = a.cfg.NotifyURL
		if a.cfg.ReturnURL != "" && a.cfg.InteractionMode != constants.PaymentInteractionQR {
			params["return_url"] = a.cfg.ReturnURL
		}
	}
	if a.cfg.AppCertSN != "" {
		params["app_cert_sn"] = a.cfg.AppCertSN
	}
	if a.cfg.AlipayRootCertSN != "" {
		params["alipay_root_cert_sn"] = a.cfg.AlipayRootCertSN
	}
	sign, err := signContent(buildRequestSignContent(params), a.privateKey, a.cfg.SignType)
	if err != nil {
		return nil, err
	}
	params["sign"] = sign
	return params, nil
}

// call 调用网关并校验同步响应签名（签名覆盖响应节点原文）
func (a *Adapter) call(ctx context.Context, method string, params map[string]string) (map[string]interface{}, map[string]interface{}, error) {
	body, err := a.postGateway(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	responseKey := strings.ReplaceAll(method, ".", "_") + "_response"
	nodeRaw, ok := envelope[responseKey]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s not found", ErrResponseInvalid, responseKey)
	}
	var node map[string]interface{}
	if err := json.Unmarshal(nodeRaw, &node); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s failed", ErrResponseInvalid, responseKey)
	}
	if signRaw, ok := envelope["sign"]; ok {
		var sign string
		if err := json.Unmarshal(signRaw, &sign); err != nil {
			return nil, nil, fmt.Errorf("%w: decode sign failed", ErrSignatureInvalid)
		}
		if err := verifyContent(nodeRaw, sign, a.publicKey, a.cfg.SignType); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
	}
	raw := map[string]interface{}{responseKey: node}

	code := strings.TrimSpace(readString(node, "code"))
	if code != codeSuccess {
		if strings.TrimSpace(readString(node, "sub_code")) == tradeNotExistCode {
			return nil, raw, errTradeNotExist
		}
		errMsg := strings.TrimSpace(readString(node, "sub_msg"))
		if errMsg == "" {
			errMsg = strings.TrimSpace(readString(node, "msg"))
		}
		if errMsg == "" {
			errMsg = "code=" + code
		}
		return nil, raw, fmt.Errorf("%w: %s", ErrResponseInvalid, errMsg)
	}
	return node, raw, nil
}

func (a *Adapter) postGateway(ctx context.Context, params map[string]string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	form := url.Values{}
	for key, value := range params {
		if key == "" || value == "" {
			continue
		}
		form.Set(key, value)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request failed", ErrRequestFailed)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request failed: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrRequestFailed)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrResponseInvalid, resp.StatusCode)
	}
	return body, nil
}

func buildGatewayPayURL(gatewayURL string, params map[string]string) string {
	form := url.Values{}
	for key, value := range params {
		if key == "" || value == "" {
			continue
		}
		form.Set(key, value)
	}
	parsed, err := url.Parse(gatewayURL)
	if err != nil {
		if strings.Contains(gatewayURL, "?") {
			return gatewayURL + "&" + form.Encode()
		}
		return gatewayURL + "?" + form.Encode()
	}
	parsed.RawQuery = form.Encode()
	return parsed.String()
}

func resolveMethod(mode string) string {
	switch mode {
	case constants.PaymentInteractionWAP:
		return "alipay.trade.wap.pay"
	case constants.PaymentInteractionPage:
		return "alipay.trade.page.pay"
	default:
		return "alipay.trade.precreate"
	}
}

func productCode(mode string) string {
	switch mode {
	case constants.PaymentInteractionWAP:
		return "QUICK_WAP_WAY"
	case constants.PaymentInteractionPage:
		return "FAST_INSTANT_TRADE_PAY"
	default:
		return "FACE_TO_FACE_PAYMENT"
	}
}

// IsSupportedInteractionMode 支持的交互方式
func IsSupportedInteractionMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case constants.PaymentInteractionQR, constants.PaymentInteractionWAP, constants.PaymentInteractionPage:
		return true
	default:
		return false
	}
}

func classify(err error) error {
	if errors.Is(err, ErrSignGenerate) {
		return payment.Misconfigured(err)
	}
	return payment.Classify(err, ErrConfigInvalid, ErrRequestFailed, ErrResponseInvalid)
}

func readString(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", value)
}

func toRaw(params map[string]string) map[string]interface{} {
	raw := make(map[string]interface{}, len(params))
	for key, value := range params {
		if key == "sign" {
			continue
		}
		raw[key] = value
	}
	return raw
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.AlipayPublicKey = strings.TrimSpace(c.AlipayPublicKey)
	c.GatewayURL = strings.TrimSpace(c.GatewayURL)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.ReturnURL = strings.TrimSpace(c.ReturnURL)
	c.QuitURL = strings.TrimSpace(c.QuitURL)
	c.SignType = strings.ToUpper(strings.TrimSpace(c.SignType))
	c.InteractionMode = strings.ToLower(strings.TrimSpace(c.InteractionMode))
	c.TimeoutExpress = strings.TrimSpace(c.TimeoutExpress)
	c.AppCertSN = strings.TrimSpace(c.AppCertSN)
	c.AlipayRootCertSN = strings.TrimSpace(c.AlipayRootCertSN)
	if c.SignType == "" {
		c.SignType = "RSA2"
	}
	if c.GatewayURL == "" {
		c.GatewayURL = defaultGatewayURL
	}
	if c.InteractionMode == "" {
		c.InteractionMode = constants.PaymentInteractionQR
	}
}
