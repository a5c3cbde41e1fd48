package reconciliation

import (
	"context"
	"fmt"
	"math"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

type ProviderLedger interface {
	ListSettledSessions(ctx context.Context, from, to time.Time) ([]models.SettledTransaction, error)
	GetCompletedSession(ctx context.Context, sessionID string) (*models.PaymentCompletedEvent, error)
}

type EntitlementStore interface {
	ListPaidOrdersBetween(ctx context.Context, from, to time.Time) ([]models.Order, error)
}

// Backfiller re-runs fulfillment for an orphaned provider transaction.
// It is the orchestrator itself, so the payment_reference idempotency
// guarantee makes the import safe against racing live deliveries.
type Backfiller interface {
	FulfillPayment(ctx context.Context, event models.PaymentCompletedEvent) (*models.Order, bool, error)
}

// Service audits the local ledger against the provider's settled
// transactions. Read-only apart from the explicit import action.
type Service struct {
	Provider ProviderLedger
	DB       EntitlementStore
	Importer Backfiller
	Logger   *logger.Logger
}

func NewService(provider ProviderLedger, db EntitlementStore, importer Backfiller, log *logger.Logger) *Service {
	return &Service{Provider: provider, DB: db, Importer: importer, Logger: log}
}

// Audit compares the window [from, to). A provider failure aborts the
// run; local state is never touched.
func (s *Service) Audit(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	settled, err := s.Provider.ListSettledSessions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("reconciliation aborted: %w", err)
	}

	orders, err := s.DB.ListPaidOrdersBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load local orders: %w", err)
	}

	localRefs := make(map[string]bool, len(orders))
	report := &models.ReconciliationReport{From: from, To: to}

	for _, order := range orders {
		localRefs[order.PaymentReference] = true
		report.LocalTotal += order.Total
		report.LocalCount++
	}

	for _, tx := range settled {
		report.ProviderTotal += tx.Amount
		report.ProviderCount++
		if !localRefs[tx.ID] {
			report.Orphans = append(report.Orphans, tx)
		}
	}

	// Round to cents so float accumulation noise does not read as
	// divergence.
	report.ProviderTotal = roundCents(report.ProviderTotal)
	report.LocalTotal = roundCents(report.LocalTotal)
	report.AmountDifference = roundCents(math.Abs(report.ProviderTotal - report.LocalTotal))

	if report.Diverged() {
		s.Logger.Warn("RECONCILE", fmt.Sprintf("ledger divergence in [%s, %s): %d orphan(s), amount diff %.2f",
			from.Format(time.RFC3339), to.Format(time.RFC3339), len(report.Orphans), report.AmountDifference))
	} else {
		s.Logger.Info("RECONCILE", fmt.Sprintf("ledgers agree in [%s, %s): %d transaction(s), %.2f",
			from.Format(time.RFC3339), to.Format(time.RFC3339), report.ProviderCount, report.ProviderTotal))
	}

	return report, nil
}

// ImportOrphan backfills one orphaned provider transaction through the
// orchestrator, as if its payment_completed event had just arrived.
func (s *Service) ImportOrphan(ctx context.Context, sessionID string) (*models.Order, bool, error) {
	event, err := s.Provider.GetCompletedSession(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch orphan %s: %w", sessionID, err)
	}

	order, created, err := s.Importer.FulfillPayment(ctx, *event)
	if err != nil {
		return nil, false, fmt.Errorf("backfill of %s failed: %w", sessionID, err)
	}

	if created {
		s.Logger.Info("RECONCILE", fmt.Sprintf("backfilled order %s from provider transaction %s", order.ID, sessionID))
	} else {
		s.Logger.Info("RECONCILE", fmt.Sprintf("provider transaction %s already had order %s", sessionID, order.ID))
	}
	return order, created, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
