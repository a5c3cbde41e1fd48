package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notification"
)

// ErrRefundTargetMissing marks the ordering anomaly of a refund
// arriving before its payment_completed event. It is logged and
// swallowed upstream, never fabricated into an order.
var ErrRefundTargetMissing = errors.New("refund target order not found")

type EntitlementStore interface {
	GetOrderByAnyReference(ctx context.Context, paymentRef, intentRef string) (*models.Order, error)
	UpdateOrderRefund(ctx context.Context, orderID string, refundedTotal float64, status string) error
	DeactivateTokensForOrder(ctx context.Context, orderID string) ([]string, error)
}

type EventPublisher interface {
	PublishOrderRefunded(order models.Order) error
	PublishTokensRevoked(order models.Order, tokenIDs []string) error
}

// Service applies refund_issued events: full refunds cascade into token
// deactivation, partial refunds deliberately leave granted access in
// place.
type Service struct {
	DB     EntitlementStore
	Kafka  EventPublisher
	Mailer notification.Mailer
	Logger *logger.Logger
}

func NewService(db EntitlementStore, kafka EventPublisher, mailer notification.Mailer, log *logger.Logger) *Service {
	return &Service{DB: db, Kafka: kafka, Mailer: mailer, Logger: log}
}

func (s *Service) ApplyRefund(ctx context.Context, event models.RefundIssuedEvent) error {
	order, err := s.DB.GetOrderByAnyReference(ctx, event.PaymentReference, event.PaymentIntentReference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.Logger.Warn("REFUND", fmt.Sprintf("RefundTargetMissing: no order for payment_ref=%q intent_ref=%q",
				event.PaymentReference, event.PaymentIntentReference))
			return ErrRefundTargetMissing
		}
		return fmt.Errorf("failed to look up refund target: %w", err)
	}

	// The provider reports amount_refunded cumulatively per charge, so
	// the running total is the larger of what we knew and what the
	// event carries. Replays and out-of-order partials both collapse
	// under max().
	refunded := order.RefundedTotal
	if event.AmountRefunded > refunded {
		refunded = event.AmountRefunded
	}

	fullRefund := refunded >= order.Total

	status := models.OrderStatusPartiallyRefunded
	if fullRefund {
		status = models.OrderStatusRefunded
	}

	if err := s.DB.UpdateOrderRefund(ctx, order.ID, refunded, status); err != nil {
		return fmt.Errorf("failed to update order %s refund state: %w", order.ID, err)
	}
	order.RefundedTotal = refunded
	order.Status = status

	if fullRefund {
		// Cascade: every token of every item goes inactive.
		// Already-revoked tokens stay as they are, so this is safe to
		// replay.
		tokenIDs, err := s.DB.DeactivateTokensForOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to deactivate tokens for order %s: %w", order.ID, err)
		}
		s.Logger.LogOrder("REFUNDED", order.PaymentReference, fmt.Sprintf("order %s fully refunded, %d token(s) revoked", order.ID, len(tokenIDs)))

		if s.Kafka != nil && len(tokenIDs) > 0 {
			if err := s.Kafka.PublishTokensRevoked(*order, tokenIDs); err != nil {
				s.Logger.Error("KAFKA", fmt.Sprintf("failed to publish token.revoked for %s: %v", order.ID, err))
			}
		}
		if s.Mailer != nil {
			if err := s.Mailer.SendRefundNotice(*order); err != nil {
				s.Logger.Warn("EMAIL", fmt.Sprintf("refund notice for order %s failed: %v", order.ID, err))
			}
		}
	} else {
		// Partial refund keeps access: policy, not an oversight.
		s.Logger.LogOrder("PARTIAL_REFUND", order.PaymentReference, fmt.Sprintf("order %s refunded %.2f of %.2f, tokens untouched", order.ID, refunded, order.Total))
	}

	if s.Kafka != nil {
		if err := s.Kafka.PublishOrderRefunded(*order); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("failed to publish order.refunded for %s: %v", order.ID, err))
		}
	}

	return nil
}
