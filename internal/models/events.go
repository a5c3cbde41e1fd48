package models

import "time"

// PaymentCompletedEvent is the verified, typed form of a provider
// "payment completed" notification. Line items are validated at the
// ingestion boundary instead of passing raw provider JSON downstream.
type PaymentCompletedEvent struct {
	PaymentReference       string          `json:"payment_reference"`
	PaymentIntentReference string          `json:"payment_intent_reference,omitempty"`
	CustomerEmail          string          `json:"customer_email"`
	CustomerName           string          `json:"customer_name,omitempty"`
	UserRef                string          `json:"user_ref,omitempty"`
	Subtotal               float64         `json:"subtotal"`
	Total                  float64         `json:"total"`
	Currency               string          `json:"currency"`
	Items                  []PurchasedItem `json:"items"`
}

// PurchasedItem is one line of a completed checkout.
type PurchasedItem struct {
	DisplayName string  `json:"display_name"`
	UnitPrice   float64 `json:"unit_price"`
	Quantity    int     `json:"quantity"`

	// Internal product id embedded at checkout-creation time. When set
	// it is authoritative and the fallback matcher is skipped.
	ProductID string `json:"product_id,omitempty"`
}

// RefundIssuedEvent names the order by provider reference; either field
// may be empty depending on which object the provider attached the
// refund to.
type RefundIssuedEvent struct {
	PaymentReference       string  `json:"payment_reference,omitempty"`
	PaymentIntentReference string  `json:"payment_intent_reference,omitempty"`
	AmountRefunded         float64 `json:"amount_refunded"`
}

// FulfillmentEvent is the shape published to Kafka for the order
// lifecycle stream.
type FulfillmentEvent struct {
	Type             string    `json:"type"`
	OrderID          string    `json:"order_id"`
	PaymentReference string    `json:"payment_reference"`
	Total            float64   `json:"total,omitempty"`
	TokenIDs         []string  `json:"token_ids,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
