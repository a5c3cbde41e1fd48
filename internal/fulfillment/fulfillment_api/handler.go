package fulfillment_api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/revocation"
	"ms-fulfillment/internal/utils"

	"github.com/stripe/stripe-go/v82"
)

const maxWebhookBody = 1 << 20

type RefundApplier interface {
	ApplyRefund(ctx context.Context, event models.RefundIssuedEvent) error
}

type Handler struct {
	Provider     *fulfillment.ProviderClient
	Orchestrator *fulfillment.Service
	Revocation   RefundApplier
	Logger       *logger.Logger
}

// PaymentWebhook serves POST /webhooks/payment. Signature failures are
// the only rejection; once the event is authenticated the endpoint
// always acknowledges, otherwise the provider's retry machinery would
// hammer a handler that is already failing. Downstream errors are
// logged for offline remediation.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid payload", err.Error()))
		return
	}

	event, err := h.Provider.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("signature verification failed: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid signature", "webhook signature verification failed"))
		return
	}

	switch string(event.Type) {
	case fulfillment.EventPaymentCompleted:
		h.handlePaymentCompleted(r.Context(), event)
	case fulfillment.EventRefundIssued:
		h.handleRefundIssued(r.Context(), event)
	default:
		h.Logger.Debug("WEBHOOK", fmt.Sprintf("ignoring event %s of kind %s", event.ID, event.Type))
	}

	utils.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) handlePaymentCompleted(ctx context.Context, event stripe.Event) {
	paymentEvent, err := h.Provider.ParseCompletedSession(ctx, event)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("event %s: failed to load completed session: %v", event.ID, err))
		return
	}

	order, created, err := h.Orchestrator.FulfillPayment(ctx, *paymentEvent)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("event %s: fulfillment failed for %s: %v", event.ID, paymentEvent.PaymentReference, err))
		return
	}

	if created {
		h.Logger.LogWebhook(string(event.Type), paymentEvent.PaymentReference, fmt.Sprintf("fulfilled as order %s", order.ID))
	} else {
		h.Logger.LogWebhook(string(event.Type), paymentEvent.PaymentReference, "duplicate delivery, no-op")
	}
}

func (h *Handler) handleRefundIssued(ctx context.Context, event stripe.Event) {
	refundEvent, err := fulfillment.ParseRefund(event)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("event %s: failed to parse refund: %v", event.ID, err))
		return
	}

	if err := h.Revocation.ApplyRefund(ctx, *refundEvent); err != nil {
		if errors.Is(err, revocation.ErrRefundTargetMissing) {
			// Ordering anomaly, already logged by the handler. Ack and
			// let the provider's eventual payment_completed delivery
			// straighten things out.
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("event %s: refund application failed: %v", event.ID, err))
	}
}
