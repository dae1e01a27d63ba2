package shared

import (
	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/service"
)

// PaymentErrorRules 支付单相关错误映射，前台与管理端共用
var PaymentErrorRules = []MappedError{
	{Target: service.ErrInvalidInput, Code: response.CodeBadRequest, Msg: "invalid request"},
	{Target: service.ErrInvalidAmount, Code: response.CodeBadRequest, Msg: "amount does not match plan price"},
	{Target: service.ErrPlanInactive, Code: response.CodeBadRequest, Msg: "membership plan is not available"},
	{Target: service.ErrProviderMismatch, Code: response.CodeBadRequest, Msg: "payment method does not match order"},
	{Target: service.ErrAmountMismatch, Code: response.CodeBadRequest, Msg: "amount mismatch"},
	{Target: service.ErrCurrencyMismatch, Code: response.CodeBadRequest, Msg: "currency mismatch"},
	{Target: service.ErrOrderNotPaid, Code: response.CodeBadRequest, Msg: "order is not paid"},
	{Target: service.ErrStatusInvalid, Code: response.CodeBadRequest, Msg: "invalid order status"},
	{Target: service.ErrPlanNotFound, Code: response.CodeBadRequest, Msg: "membership plan not found"},
	{Target: service.ErrProviderNotFound, Code: response.CodeBadRequest, Msg: "payment method not supported"},
	{Target: service.ErrOrderNotFound, Code: response.CodeNotFound, Msg: "order not found"},
	{Target: service.ErrMembershipNotFound, Code: response.CodeNotFound, Msg: "membership not found"},
	{Target: payment.ErrUnsupported, Code: response.CodeBadRequest, Msg: "operation not supported by payment method"},
	{Target: payment.ErrRejected, Code: response.CodeBadGateway, Msg: "payment provider rejected the request"},
	{Target: payment.ErrTransient, Code: response.CodeBadGateway, Msg: "payment provider unavailable"},
	{Target: payment.ErrConfig, Code: response.CodeInternal, Msg: "payment method misconfigured"},
}
