package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrProviderClientInit   = errors.New("failed to initialize payment provider client")
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrUnsupportedEventKind = errors.New("event kind not handled")
)

// Provider event kinds this core reacts to. Everything else is
// acknowledged and dropped.
const (
	EventPaymentCompleted = "checkout.session.completed"
	EventRefundIssued     = "charge.refunded"
)

// ProviderClient wraps the Stripe API for the four calls this service
// makes: verify a webhook, fetch a completed session with its line
// items, list settled sessions for reconciliation, create a refund.
type ProviderClient struct {
	client        *client.API
	webhookSecret string
	timeout       time.Duration
	log           *logger.Logger
}

func NewProviderClient(cfg config.StripeConfig, log *logger.Logger) (*ProviderClient, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrProviderClientInit
	}

	sc := client.New(cfg.SecretKey, nil)
	return &ProviderClient{
		client:        sc,
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		log:           log,
	}, nil
}

// VerifyWebhook authenticates raw webhook bytes against the shared
// secret. Any verification failure maps to ErrSignatureInvalid; the
// caller must reject without processing.
func (c *ProviderClient) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}

	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret, opts)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}

// ParseCompletedSession turns a checkout.session.completed event into
// the typed payment event. Line items are re-fetched from the provider
// because the webhook payload does not embed them.
func (c *ProviderClient) ParseCompletedSession(ctx context.Context, event stripe.Event) (*models.PaymentCompletedEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return c.GetCompletedSession(ctx, session.ID)
}

// GetCompletedSession fetches a checkout session and its line items and
// maps them into the validated event shape. Also used by the
// reconciliation backfill path, which only holds a session id.
func (c *ProviderClient) GetCompletedSession(ctx context.Context, sessionID string) (*models.PaymentCompletedEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("line_items.data.price.product")

	session, err := c.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching session %s: %v", ErrProviderUnavailable, sessionID, err)
	}

	out := &models.PaymentCompletedEvent{
		PaymentReference: session.ID,
		Subtotal:         float64(session.AmountSubtotal) / 100.0,
		Total:            float64(session.AmountTotal) / 100.0,
		Currency:         string(session.Currency),
		UserRef:          session.ClientReferenceID,
	}
	if session.PaymentIntent != nil {
		out.PaymentIntentReference = session.PaymentIntent.ID
	}
	if session.CustomerDetails != nil {
		out.CustomerEmail = session.CustomerDetails.Email
		out.CustomerName = session.CustomerDetails.Name
	}

	if session.LineItems != nil {
		for _, li := range session.LineItems.Data {
			item := models.PurchasedItem{
				DisplayName: li.Description,
				Quantity:    int(li.Quantity),
			}
			if li.Price != nil {
				item.UnitPrice = float64(li.Price.UnitAmount) / 100.0
				// The internal product id is planted in the Stripe
				// product metadata when the checkout is created.
				if li.Price.Product != nil {
					item.ProductID = li.Price.Product.Metadata["product_id"]
				}
			}
			out.Items = append(out.Items, item)
		}
	}

	return out, nil
}

// ParseRefund maps a charge.refunded event. Charges reference the
// payment intent, not the checkout session, so the checkout reference
// stays empty and lookup falls through to the intent.
func ParseRefund(event stripe.Event) (*models.RefundIssuedEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}

	out := &models.RefundIssuedEvent{
		AmountRefunded: float64(charge.AmountRefunded) / 100.0,
	}
	if charge.PaymentIntent != nil {
		out.PaymentIntentReference = charge.PaymentIntent.ID
	}
	return out, nil
}

// ListSettledSessions returns the provider-side ledger for [from, to):
// every completed checkout session in the window, as settled
// transactions keyed by the same id local orders store in
// payment_reference.
func (c *ProviderClient) ListSettledSessions(ctx context.Context, from, to time.Time) ([]models.SettledTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Context = ctx
	params.AddExpand("data.line_items")

	var settled []models.SettledTransaction
	iter := c.client.CheckoutSessions.List(params)
	for iter.Next() {
		session := iter.CheckoutSession()
		if session.Status != stripe.CheckoutSessionStatusComplete {
			continue
		}

		tx := models.SettledTransaction{
			ID:        session.ID,
			Amount:    float64(session.AmountTotal) / 100.0,
			CreatedAt: time.Unix(session.Created, 0),
		}
		if session.CustomerDetails != nil {
			tx.CustomerEmail = session.CustomerDetails.Email
		}
		if session.LineItems != nil {
			tx.ItemCount = len(session.LineItems.Data)
		}
		settled = append(settled, tx)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", ErrProviderUnavailable, err)
	}

	return settled, nil
}

// CreateRefund asks the provider to refund a charge. Amount zero means
// full refund. The resulting charge.refunded webhook drives the local
// revocation, so nothing is mutated here.
func (c *ProviderClient) CreateRefund(ctx context.Context, paymentIntentRef string, amount float64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentRef),
	}
	params.Context = ctx
	if amount > 0 {
		params.Amount = stripe.Int64(int64(amount * 100))
	}

	if _, err := c.client.Refunds.New(params); err != nil {
		return fmt.Errorf("%w: creating refund for %s: %v", ErrProviderUnavailable, paymentIntentRef, err)
	}
	return nil
}
