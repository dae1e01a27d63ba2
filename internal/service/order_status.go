package service

import (
	"strings"

	"github.com/dujiao-next/memberpay/internal/constants"
)

// orderTransitions 支付单允许的状态迁移
var orderTransitions = map[string][]string{
	constants.OrderStatusCreated: {
		constants.OrderStatusAwaitingPayment,
		constants.OrderStatusPaid,
		constants.OrderStatusFailed,
	},
	constants.OrderStatusAwaitingPayment: {
		constants.OrderStatusPaid,
		constants.OrderStatusFailed,
		constants.OrderStatusCancelled,
	},
	constants.OrderStatusPaid: {
		constants.OrderStatusRefunded,
	},
}

// isTransitionAllowed 判断状态迁移是否合法
func isTransitionAllowed(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesFor 返回可迁移到 to 的全部来源状态，用于 CAS 条件
func sourcesFor(to string) []string {
	var sources []string
	for _, from := range []string{
		constants.OrderStatusCreated,
		constants.OrderStatusAwaitingPayment,
		constants.OrderStatusPaid,
	} {
		if isTransitionAllowed(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// targetStatus 渠道状态映射为支付单状态，pending 返回空
func targetStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case constants.ProviderStatusPaid:
		return constants.OrderStatusPaid
	case constants.ProviderStatusFailed:
		return constants.OrderStatusFailed
	case constants.ProviderStatusCancelled:
		return constants.OrderStatusCancelled
	case constants.ProviderStatusRefunded:
		return constants.OrderStatusRefunded
	default:
		return ""
	}
}

func isProviderStatusValid(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case constants.ProviderStatusPending,
		constants.ProviderStatusPaid,
		constants.ProviderStatusFailed,
		constants.ProviderStatusCancelled,
		constants.ProviderStatusRefunded:
		return true
	default:
		return false
	}
}
