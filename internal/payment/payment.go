package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dujiao-next/memberpay/internal/models"
)

// 渠道无关的错误分类，各渠道包在边界处包装自身错误
var (
	ErrParse       = errors.New("payment payload malformed")
	ErrTransient   = errors.New("payment provider unavailable")
	ErrRejected    = errors.New("payment provider rejected request")
	ErrConfig      = errors.New("payment provider misconfigured")
	ErrUnsupported = errors.New("payment operation unsupported")
)

// Handle 发起支付后返回给前端的交互数据
type Handle struct {
	Provider          string                 `json:"provider"`
	ProviderReference string                 `json:"provider_reference"`
	Interaction       string                 `json:"interaction"`
	RedirectURL       string                 `json:"redirect_url,omitempty"`
	QRCode            string                 `json:"qr_code,omitempty"`
	ClientSecret      string                 `json:"client_secret,omitempty"`
	Raw               map[string]interface{} `json:"-"`
}

// Result 渠道回调或查单的统一结果
type Result struct {
	OrderID           string
	ProviderReference string
	ProviderTradeNo   string
	Status            string
	Amount            models.Money
	Currency          string
	Verified          bool
	Raw               map[string]interface{}
}

// Outcome 回调应答类型
type Outcome int

const (
	// OutcomeAck 已处理，渠道停止重试
	OutcomeAck Outcome = iota
	// OutcomeReject 请求非法，不做任何状态变更
	OutcomeReject
	// OutcomeRetry 暂时失败，由渠道稍后重投
	OutcomeRetry
)

// Ack 渠道要求的回调响应
type Ack struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Adapter 支付渠道适配器
type Adapter interface {
	Name() string
	// Initiate 发起支付，只返回交互数据，不等待支付完成
	Initiate(ctx context.Context, order *models.PaymentOrder) (*Handle, error)
	// ParseCallback 校验并解析回调，验签失败时返回 Verified=false
	ParseCallback(ctx context.Context, raw []byte, headers http.Header) (*Result, error)
	// Query 主动查询渠道侧状态
	Query(ctx context.Context, order *models.PaymentOrder) (*Result, error)
	// Refund 发起全额退款
	Refund(ctx context.Context, order *models.PaymentOrder) (*Result, error)
	// Close 关闭渠道侧未支付的交易，交易不存在或无需关闭时返回 nil
	Close(ctx context.Context, order *models.PaymentOrder) error
	// Acknowledge 生成渠道要求的回调应答
	Acknowledge(outcome Outcome, message string) Ack
}

// Transient 标记为可重试错误
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected 标记为渠道拒绝
func Rejected(err error) error {
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Malformed 标记为报文非法
func Malformed(err error) error {
	if err == nil || errors.Is(err, ErrParse) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrParse, err)
}

// Misconfigured 标记为配置错误
func Misconfigured(err error) error {
	if err == nil || errors.Is(err, ErrConfig) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// Classify 按渠道包的细分错误归类
func Classify(err error, config, request, response error) error {
	switch {
	case err == nil:
		return nil
	case config != nil && errors.Is(err, config):
		return Misconfigured(err)
	case request != nil && errors.Is(err, request):
		return Transient(err)
	case response != nil && errors.Is(err, response):
		return Rejected(err)
	default:
		return err
	}
}

// JSONAck 通用 JSON 信封应答
func JSONAck(outcome Outcome, message string) Ack {
	switch outcome {
	case OutcomeAck:
		return Ack{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"success":true}`)}
	case OutcomeReject:
		return Ack{StatusCode: http.StatusBadRequest, ContentType: "application/json", Body: errorEnvelope(message)}
	default:
		return Ack{StatusCode: http.StatusInternalServerError, ContentType: "application/json", Body: errorEnvelope(message)}
	}
}

func errorEnvelope(message string) []byte {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "callback rejected"
	}
	body, err := json.Marshal(map[string]interface{}{"success": false, "error": message})
	if err != nil {
		return []byte(`{"success":false,"error":"callback rejected"}`)
	}
	return body
}
