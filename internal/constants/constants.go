package constants

// 支付单状态常量
const (
	OrderStatusCreated         = "created"
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusPaid            = "paid"
	OrderStatusFailed          = "failed"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRefunded        = "refunded"
)

// 渠道回报状态常量（统一映射后）
const (
	ProviderStatusPending   = "pending"
	ProviderStatusPaid      = "paid"
	ProviderStatusFailed    = "failed"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusRefunded  = "refunded"
)

// 支付渠道常量
const (
	ProviderAlipay = "alipay"
	ProviderWechat = "wechat"
	ProviderStripe = "stripe"
	ProviderPaypal = "paypal"
	ProviderFree   = "free"
)

// 支付交互方式常量
const (
	PaymentInteractionQR           = "qr"
	PaymentInteractionRedirect     = "redirect"
	PaymentInteractionWAP          = "wap"
	PaymentInteractionPage         = "page"
	PaymentInteractionClientSecret = "client_secret"
	PaymentInteractionNone         = "none"
)

// 交易流水状态常量
const (
	TransactionStatusCompleted = "completed"
	TransactionStatusRefunded  = "refunded"
)

// 发件箱状态常量
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// 领域事件类型常量
const (
	EventMembershipGranted = "membership.granted"
	EventMembershipRevoked = "membership.revoked"
)

// 上下文键常量
const (
	ContextKeyUserID   = "user_id"
	ContextKeyUserRole = "user_role"
)

// 默认货币
const DefaultCurrency = "CNY"

// 异步任务常量
const (
	QueueDefault    = "default"
	QueueCritical   = "critical"
	TaskOrderExpire = "payment:order_expire"
	TaskReconcile   = "payment:reconcile"
)
