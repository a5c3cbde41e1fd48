package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Order statuses. Transitions: pending -> paid (orchestrator),
// paid -> refunded / partially_refunded (revocation handler only).
const (
	OrderStatusPending           = "pending"
	OrderStatusPaid              = "paid"
	OrderStatusRefunded          = "refunded"
	OrderStatusPartiallyRefunded = "partially_refunded"
	OrderStatusFailed            = "failed"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID string `bun:"id,pk" json:"id"`

	// Provider checkout/session id. Globally unique - this is the
	// idempotency key for the whole fulfillment pipeline.
	PaymentReference       string `bun:"payment_reference,unique,notnull" json:"payment_reference"`
	PaymentIntentReference string `bun:"payment_intent_reference,nullzero" json:"payment_intent_reference,omitempty"`

	CustomerEmail string `bun:"customer_email,notnull" json:"customer_email"`
	CustomerName  string `bun:"customer_name,nullzero" json:"customer_name,omitempty"`

	Subtotal float64 `bun:"subtotal,notnull" json:"subtotal"`
	Total    float64 `bun:"total,notnull" json:"total"`
	Currency string  `bun:"currency,notnull,default:'usd'" json:"currency"`

	// Cumulative amount refunded so far. Full vs partial refund is
	// decided against Total using this value, never per-event.
	RefundedTotal float64 `bun:"refunded_total,notnull,default:0" json:"refunded_total"`

	Status    string     `bun:"status,notnull" json:"status"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	PaidAt    *time.Time `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID      string `bun:"id,pk" json:"id"`
	OrderID string `bun:"order_id,notnull" json:"order_id"`

	// Nil when the catalog resolver could not identify the product.
	// Unresolved items stay on the order and are surfaced to the
	// operator, never dropped.
	ProductRef *string `bun:"product_ref" json:"product_ref"`

	// Immutable purchase-time snapshots. Later catalog edits must not
	// rewrite these.
	ProductNameSnapshot string  `bun:"product_name_snapshot,notnull" json:"product_name_snapshot"`
	UnitPriceSnapshot   float64 `bun:"unit_price_snapshot,notnull" json:"unit_price_snapshot"`
	Quantity            int     `bun:"quantity,notnull" json:"quantity"`
}

func (i *OrderItem) Resolved() bool {
	return i.ProductRef != nil && *i.ProductRef != ""
}

type Product struct {
	bun.BaseModel `bun:"table:products"`

	ID         string    `bun:"id,pk" json:"id"`
	Name       string    `bun:"name,notnull" json:"name"`
	BlobPrefix string    `bun:"blob_prefix,notnull" json:"blob_prefix"`
	Active     bool      `bun:"active,notnull,default:true" json:"active"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
