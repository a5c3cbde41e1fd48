package reconciliation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/reconciliation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) ListSettledSessions(ctx context.Context, from, to time.Time) ([]models.SettledTransaction, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SettledTransaction), args.Error(1)
}

func (m *MockProvider) GetCompletedSession(ctx context.Context, sessionID string) (*models.PaymentCompletedEvent, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentCompletedEvent), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListPaidOrdersBetween(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Order), args.Error(1)
}

type MockBackfiller struct {
	mock.Mock
}

func (m *MockBackfiller) FulfillPayment(ctx context.Context, event models.PaymentCompletedEvent) (*models.Order, bool, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Order), args.Bool(1), args.Error(2)
}

var (
	windowFrom = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	windowTo   = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
)

func TestAuditDetectsOrphan(t *testing.T) {
	provider := new(MockProvider)
	store := new(MockStore)

	provider.On("ListSettledSessions", mock.Anything, windowFrom, windowTo).Return([]models.SettledTransaction{
		{ID: "cs_one", Amount: 10.00},
		{ID: "cs_two", Amount: 5.98},
	}, nil)
	store.On("ListPaidOrdersBetween", mock.Anything, windowFrom, windowTo).Return([]models.Order{
		{ID: "order-1", PaymentReference: "cs_one", Total: 10.00},
	}, nil)

	svc := reconciliation.NewService(provider, store, nil, logger.NewTestLogger())
	report, err := svc.Audit(context.Background(), windowFrom, windowTo)

	assert.NoError(t, err)
	assert.Equal(t, 2, report.ProviderCount)
	assert.Equal(t, 1, report.LocalCount)
	assert.Len(t, report.Orphans, 1)
	assert.Equal(t, "cs_two", report.Orphans[0].ID)
	assert.Equal(t, 5.98, report.AmountDifference)
	assert.True(t, report.Diverged())
}

func TestAuditAgreement(t *testing.T) {
	provider := new(MockProvider)
	store := new(MockStore)

	provider.On("ListSettledSessions", mock.Anything, windowFrom, windowTo).Return([]models.SettledTransaction{
		{ID: "cs_one", Amount: 10.00},
	}, nil)
	store.On("ListPaidOrdersBetween", mock.Anything, windowFrom, windowTo).Return([]models.Order{
		{ID: "order-1", PaymentReference: "cs_one", Total: 10.00},
	}, nil)

	svc := reconciliation.NewService(provider, store, nil, logger.NewTestLogger())
	report, err := svc.Audit(context.Background(), windowFrom, windowTo)

	assert.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Equal(t, 0.0, report.AmountDifference)
	assert.False(t, report.Diverged())
}

func TestAuditAbortsOnProviderFailure(t *testing.T) {
	provider := new(MockProvider)
	store := new(MockStore)

	provider.On("ListSettledSessions", mock.Anything, windowFrom, windowTo).
		Return(nil, errors.New("provider down"))

	svc := reconciliation.NewService(provider, store, nil, logger.NewTestLogger())
	report, err := svc.Audit(context.Background(), windowFrom, windowTo)

	assert.Error(t, err)
	assert.Nil(t, report)
	// A partial provider answer must never be compared against local
	// state.
	store.AssertNotCalled(t, "ListPaidOrdersBetween", mock.Anything, mock.Anything, mock.Anything)
}

func TestImportOrphanBackfills(t *testing.T) {
	provider := new(MockProvider)
	backfiller := new(MockBackfiller)

	event := &models.PaymentCompletedEvent{PaymentReference: "cs_two", Total: 5.98}
	provider.On("GetCompletedSession", mock.Anything, "cs_two").Return(event, nil)
	backfiller.On("FulfillPayment", mock.Anything, *event).Return(&models.Order{
		ID: "order-2", PaymentReference: "cs_two",
	}, true, nil)

	svc := reconciliation.NewService(provider, new(MockStore), backfiller, logger.NewTestLogger())
	order, created, err := svc.ImportOrphan(context.Background(), "cs_two")

	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "order-2", order.ID)
	backfiller.AssertExpectations(t)
}

func TestImportOrphanAlreadyFulfilled(t *testing.T) {
	// A live webhook delivery won the race; the import collapses into
	// the idempotent no-op.
	provider := new(MockProvider)
	backfiller := new(MockBackfiller)

	event := &models.PaymentCompletedEvent{PaymentReference: "cs_two"}
	provider.On("GetCompletedSession", mock.Anything, "cs_two").Return(event, nil)
	backfiller.On("FulfillPayment", mock.Anything, *event).Return(&models.Order{
		ID: "order-2", PaymentReference: "cs_two",
	}, false, nil)

	svc := reconciliation.NewService(provider, new(MockStore), backfiller, logger.NewTestLogger())
	_, created, err := svc.ImportOrphan(context.Background(), "cs_two")

	assert.NoError(t, err)
	assert.False(t, created)
}
