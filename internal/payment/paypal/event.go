package paypal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dujiao-next/memberpay/internal/models"
)

// WebhookEvent PayPal Webhook 事件
type WebhookEvent struct {
	ID         string
	EventType  string
	CreateTime string
	Resource   map[string]interface{}
	Raw        map[string]interface{}
}

func parseWebhookEvent(body []byte) (*WebhookEvent, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: webhook body is empty", ErrResponseInvalid)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: webhook body invalid", ErrResponseInvalid)
	}
	event := &WebhookEvent{
		ID:         strings.TrimSpace(readString(raw, "id")),
		EventType:  strings.ToUpper(strings.TrimSpace(readString(raw, "event_type"))),
		CreateTime: strings.TrimSpace(readString(raw, "create_time")),
		Raw:        raw,
	}
	if resource, ok := raw["resource"].(map[string]interface{}); ok {
		event.Resource = resource
	} else {
		event.Resource = map[string]interface{}{}
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is missing", ErrResponseInvalid)
	}
	return event, nil
}

func (e *WebhookEvent) isOrderEvent() bool {
	return strings.HasPrefix(e.EventType, "CHECKOUT.ORDER")
}

// merchantOrderID 商户单号取 custom_id，其次 invoice_id
func (e *WebhookEvent) merchantOrderID() string {
	if e.isOrderEvent() {
		return pickFirstNonEmpty(
			readString(e.Resource, "purchase_units", "0", "custom_id"),
			readString(e.Resource, "purchase_units", "0", "invoice_id"),
		)
	}
	return pickFirstNonEmpty(readString(e.Resource, "custom_id"), readString(e.Resource, "invoice_id"))
}

// relatedOrderID 关联的 PayPal 订单号
func (e *WebhookEvent) relatedOrderID() string {
	if val := strings.TrimSpace(readString(e.Resource, "supplementary_data", "related_ids", "order_id")); val != "" {
		return val
	}
	if e.isOrderEvent() {
		return strings.TrimSpace(readString(e.Resource, "id"))
	}
	return ""
}

func (e *WebhookEvent) captureID() string {
	if strings.HasPrefix(e.EventType, "PAYMENT.CAPTURE") && e.EventType != "PAYMENT.CAPTURE.REFUNDED" {
		return strings.TrimSpace(readString(e.Resource, "id"))
	}
	if e.isOrderEvent() {
		return strings.TrimSpace(readString(e.Resource, "purchase_units", "0", "payments", "captures", "0", "id"))
	}
	return ""
}

func (e *WebhookEvent) amount() (models.Money, error) {
	value := strings.TrimSpace(readString(e.Resource, "amount", "value"))
	if value == "" && e.isOrderEvent() {
		value = strings.TrimSpace(readString(e.Resource, "purchase_units", "0", "amount", "value"))
	}
	if value == "" {
		return models.Money{}, nil
	}
	amount, err := models.ParseMoney(value)
	if err != nil {
		return models.Money{}, fmt.Errorf("%w: amount %s invalid", ErrResponseInvalid, value)
	}
	return amount, nil
}
