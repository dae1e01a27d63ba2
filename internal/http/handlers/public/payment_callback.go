package public

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxCallbackBodyBytes = 1 << 20
	maxLoggedPayload     = 4096
)

// callbackOutcome 回调处理结论
type callbackOutcome struct {
	outcome payment.Outcome
	status  int // 非零时覆盖渠道应答的 HTTP 状态
	label   string
	message string
}

// PaymentCallback 渠道回调入口：验签解析后应用状态变更，并按渠道格式应答
func (h *Handler) PaymentCallback(c *gin.Context) {
	method := payment.NormalizeName(c.Param("method"))
	log := requestLog(c).With("provider", method, "client_ip", c.ClientIP())

	adapter, ok := h.Registry.Get(method)
	if !ok {
		log.Warnw("payment_callback_provider_unknown")
		metrics.CallbacksTotal.WithLabelValues("unknown", "unknown_provider").Inc()
		response.NotFound(c, "payment method not supported")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes+1))
	if err != nil {
		log.Warnw("payment_callback_read_failed", "error", err)
		h.writeCallbackAck(c, adapter, callbackOutcome{outcome: payment.OutcomeRetry, label: "retry", message: "read body failed"})
		return
	}
	if len(body) > maxCallbackBodyBytes {
		log.Warnw("payment_callback_body_too_large", "size", len(body))
		h.writeCallbackAck(c, adapter, callbackOutcome{
			outcome: payment.OutcomeReject,
			status:  http.StatusRequestEntityTooLarge,
			label:   "rejected",
			message: "payload too large",
		})
		return
	}
	log.Infow("payment_callback_received",
		"content_type", strings.TrimSpace(c.GetHeader("Content-Type")),
		"payload", truncatePayload(body),
	)

	result, err := adapter.ParseCallback(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		h.writeCallbackAck(c, adapter, classifyParseError(log, err))
		return
	}
	if result == nil {
		log.Warnw("payment_callback_empty_result")
		h.writeCallbackAck(c, adapter, callbackOutcome{outcome: payment.OutcomeReject, label: "rejected", message: "empty callback"})
		return
	}
	log = log.With("order_id", result.OrderID, "provider_reference", result.ProviderReference, "status", result.Status)
	if !result.Verified {
		logger.Security("provider", method, "order_id", result.OrderID, "client_ip", c.ClientIP()).
			Warnw("payment_callback_signature_invalid")
		h.writeCallbackAck(c, adapter, callbackOutcome{outcome: payment.OutcomeReject, label: "signature_invalid", message: "signature invalid"})
		return
	}

	err = h.PaymentOrderService.ApplyProviderUpdate(c.Request.Context(), method, result.OrderID, result)
	outcome := classifyApplyError(err)
	switch {
	case outcome.outcome == payment.OutcomeAck:
		log.Infow("payment_callback_applied")
	case outcome.label == "amount_mismatch":
		log.Warnw("payment_callback_rejected", "error", err)
		logger.Security("provider", method, "order_id", result.OrderID, "client_ip", c.ClientIP()).
			Warnw("payment_callback_amount_mismatch", "amount", result.Amount.String(), "currency", result.Currency)
	case outcome.outcome == payment.OutcomeReject:
		log.Warnw("payment_callback_rejected", "error", err)
	default:
		log.Errorw("payment_callback_apply_failed", "error", err)
	}
	h.writeCallbackAck(c, adapter, outcome)
}

func classifyParseError(log *zap.SugaredLogger, err error) callbackOutcome {
	switch {
	case errors.Is(err, payment.ErrParse):
		log.Warnw("payment_callback_parse_failed", "error", err)
		return callbackOutcome{outcome: payment.OutcomeReject, label: "rejected", message: "malformed payload"}
	case errors.Is(err, payment.ErrUnsupported):
		log.Warnw("payment_callback_unsupported", "error", err)
		return callbackOutcome{outcome: payment.OutcomeReject, label: "rejected", message: "callback not supported"}
	default:
		log.Warnw("payment_callback_parse_retry", "error", err)
		return callbackOutcome{outcome: payment.OutcomeRetry, label: "retry", message: "temporarily unavailable"}
	}
}

func classifyApplyError(err error) callbackOutcome {
	switch {
	case service.IsIdempotentOutcome(err):
		return callbackOutcome{outcome: payment.OutcomeAck, label: "ack"}
	case errors.Is(err, service.ErrOrderNotFound):
		return callbackOutcome{outcome: payment.OutcomeReject, status: http.StatusNotFound, label: "order_not_found", message: "order not found"}
	case errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrCurrencyMismatch):
		return callbackOutcome{outcome: payment.OutcomeReject, label: "amount_mismatch", message: "amount mismatch"}
	case errors.Is(err, service.ErrProviderMismatch), errors.Is(err, service.ErrStatusInvalid), errors.Is(err, service.ErrInvalidInput):
		return callbackOutcome{outcome: payment.OutcomeReject, label: "rejected", message: "callback rejected"}
	default:
		return callbackOutcome{outcome: payment.OutcomeRetry, label: "retry", message: "temporarily unavailable"}
	}
}

func (h *Handler) writeCallbackAck(c *gin.Context, adapter payment.Adapter, outcome callbackOutcome) {
	metrics.CallbacksTotal.WithLabelValues(adapter.Name(), outcome.label).Inc()
	ack := adapter.Acknowledge(outcome.outcome, outcome.message)
	status := ack.StatusCode
	if outcome.status != 0 {
		status = outcome.status
	}
	if status == 0 {
		status = http.StatusOK
	}
	contentType := ack.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Data(status, contentType, ack.Body)
}

func truncatePayload(body []byte) string {
	if len(body) <= maxLoggedPayload {
		return string(body)
	}
	return string(body[:maxLoggedPayload]) + "...(truncated)"
}
