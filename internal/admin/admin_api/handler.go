package admin_api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/reconciliation"
	"ms-fulfillment/internal/utils"
)

type EntitlementStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error)
	ListUnresolvedItems(ctx context.Context, limit int) ([]models.OrderItem, error)
}

type RefundCreator interface {
	CreateRefund(ctx context.Context, paymentIntentRef string, amount float64) error
}

type RefundApplier interface {
	ApplyRefund(ctx context.Context, event models.RefundIssuedEvent) error
}

// Handler exposes the operator surface: refunds, reconciliation and the
// unresolved-items queue. All routes sit behind the admin JWT
// middleware.
type Handler struct {
	Store      EntitlementStore
	Provider   RefundCreator
	Revocation RefundApplier
	Recon      *reconciliation.Service
	Logger     *logger.Logger
}

type refundRequest struct {
	OrderID          string  `json:"order_id,omitempty"`
	PaymentReference string  `json:"payment_reference,omitempty"`
	Amount           float64 `json:"amount,omitempty"` // 0 => full refund
}

// CreateRefund serves POST /admin/refunds: create the refund at the
// provider, then apply the revocation locally. The later
// charge.refunded webhook replays the same cumulative amount and
// collapses to a no-op.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	if req.OrderID == "" && req.PaymentReference == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "order_id or payment_reference is required"))
		return
	}
	if req.Amount < 0 {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "amount cannot be negative"))
		return
	}

	order, err := h.findOrder(r.Context(), req)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", "no order matches the given reference"))
			return
		}
		h.Logger.Error("ADMIN", fmt.Sprintf("refund lookup failed: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Refund failed", "internal error"))
		return
	}
	if order.PaymentIntentReference == "" {
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Refund failed", "order has no charge reference to refund against"))
		return
	}

	amount := req.Amount
	if amount == 0 || amount > order.Total-order.RefundedTotal {
		amount = order.Total - order.RefundedTotal
	}
	if amount <= 0 {
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Refund failed", "order is already fully refunded"))
		return
	}

	if err := h.Provider.CreateRefund(r.Context(), order.PaymentIntentReference, amount); err != nil {
		h.Logger.Error("ADMIN", fmt.Sprintf("provider refund for order %s failed: %v", order.ID, err))
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Refund failed", "payment provider unavailable"))
		return
	}

	event := models.RefundIssuedEvent{
		PaymentReference: order.PaymentReference,
		AmountRefunded:   order.RefundedTotal + amount,
	}
	if err := h.Revocation.ApplyRefund(r.Context(), event); err != nil {
		// The provider refund already went through; report the local
		// inconsistency instead of pretending it failed entirely.
		h.Logger.Error("ADMIN", fmt.Sprintf("local revocation for order %s failed after provider refund: %v", order.ID, err))
		utils.WriteJSON(w, http.StatusAccepted, utils.ErrorResponse("Refund created, revocation pending", "the refund webhook will retry revocation"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Refund processed", map[string]interface{}{
		"order_id": order.ID,
		"amount":   amount,
	}))
}

func (h *Handler) findOrder(ctx context.Context, req refundRequest) (*models.Order, error) {
	if req.OrderID != "" {
		return h.Store.GetOrderByID(ctx, req.OrderID)
	}
	return h.Store.GetOrderByPaymentReference(ctx, req.PaymentReference)
}

// Reconcile serves GET /admin/reconciliation?from=&to= (RFC 3339).
// Defaults to the trailing 24 hours.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "from must be RFC 3339"))
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "to must be RFC 3339"))
			return
		}
		to = parsed
	}
	if !from.Before(to) {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "from must be before to"))
		return
	}

	report, err := h.Recon.Audit(r.Context(), from, to)
	if err != nil {
		h.Logger.Error("ADMIN", fmt.Sprintf("reconciliation run failed: %v", err))
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Reconciliation failed", err.Error()))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reconciliation report", report))
}

type importRequest struct {
	TransactionID string `json:"transaction_id"`
}

// ImportOrphan serves POST /admin/reconciliation/import.
func (h *Handler) ImportOrphan(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "transaction_id is required"))
		return
	}

	order, created, err := h.Recon.ImportOrphan(r.Context(), req.TransactionID)
	if err != nil {
		h.Logger.Error("ADMIN", fmt.Sprintf("orphan import %s failed: %v", req.TransactionID, err))
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Import failed", err.Error()))
		return
	}

	message := "Order already existed"
	if created {
		message = "Order backfilled"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, order))
}

// UnresolvedItems serves GET /admin/unresolved-items: purchased lines
// the catalog resolver could not identify, awaiting manual repair.
func (h *Handler) UnresolvedItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListUnresolvedItems(r.Context(), 200)
	if err != nil {
		h.Logger.Error("ADMIN", fmt.Sprintf("unresolved items query failed: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Query failed", "internal error"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Unresolved items", items))
}
