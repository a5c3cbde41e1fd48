package admin_api_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ms-fulfillment/internal/admin/admin_api"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockStore) GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockStore) ListUnresolvedItems(ctx context.Context, limit int) ([]models.OrderItem, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.OrderItem), args.Error(1)
}

type MockRefundCreator struct {
	mock.Mock
}

func (m *MockRefundCreator) CreateRefund(ctx context.Context, paymentIntentRef string, amount float64) error {
	args := m.Called(ctx, paymentIntentRef, amount)
	return args.Error(0)
}

type MockRefundApplier struct {
	mock.Mock
}

func (m *MockRefundApplier) ApplyRefund(ctx context.Context, event models.RefundIssuedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func newHandler(store *MockStore, creator *MockRefundCreator, applier *MockRefundApplier) *admin_api.Handler {
	return &admin_api.Handler{
		Store:      store,
		Provider:   creator,
		Revocation: applier,
		Logger:     logger.NewTestLogger(),
	}
}

func refundableOrder() *models.Order {
	return &models.Order{
		ID:                     "order-1",
		PaymentReference:       "cs_abc",
		PaymentIntentReference: "pi_abc",
		Total:                  15.98,
		RefundedTotal:          0,
		Status:                 models.OrderStatusPaid,
	}
}

func postRefund(handler *admin_api.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/refunds", strings.NewReader(body))
	handler.CreateRefund(rec, req)
	return rec
}

func TestCreateRefundFullAmount(t *testing.T) {
	store := new(MockStore)
	creator := new(MockRefundCreator)
	applier := new(MockRefundApplier)

	store.On("GetOrderByID", mock.Anything, "order-1").Return(refundableOrder(), nil)
	creator.On("CreateRefund", mock.Anything, "pi_abc", 15.98).Return(nil)
	// The local application carries the cumulative refunded total so the
	// later charge.refunded webhook collapses to a no-op.
	applier.On("ApplyRefund", mock.Anything, models.RefundIssuedEvent{
		PaymentReference: "cs_abc",
		AmountRefunded:   15.98,
	}).Return(nil)

	rec := postRefund(newHandler(store, creator, applier), `{"order_id":"order-1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	creator.AssertExpectations(t)
	applier.AssertExpectations(t)
}

func TestCreateRefundClampsToRemaining(t *testing.T) {
	store := new(MockStore)
	creator := new(MockRefundCreator)
	applier := new(MockRefundApplier)

	order := refundableOrder()
	order.RefundedTotal = 10.00
	store.On("GetOrderByID", mock.Anything, "order-1").Return(order, nil)
	creator.On("CreateRefund", mock.Anything, "pi_abc", mock.MatchedBy(func(amount float64) bool {
		return amount > 5.97 && amount < 5.99
	})).Return(nil)
	applier.On("ApplyRefund", mock.Anything, models.RefundIssuedEvent{
		PaymentReference: "cs_abc",
		AmountRefunded:   15.98,
	}).Return(nil)

	rec := postRefund(newHandler(store, creator, applier), `{"order_id":"order-1","amount":100.00}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	creator.AssertExpectations(t)
}

func TestCreateRefundAlreadyFullyRefunded(t *testing.T) {
	store := new(MockStore)
	order := refundableOrder()
	order.RefundedTotal = 15.98
	store.On("GetOrderByID", mock.Anything, "order-1").Return(order, nil)

	creator := new(MockRefundCreator)
	rec := postRefund(newHandler(store, creator, new(MockRefundApplier)), `{"order_id":"order-1"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	creator.AssertNotCalled(t, "CreateRefund", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRefundOrderNotFound(t *testing.T) {
	store := new(MockStore)
	store.On("GetOrderByPaymentReference", mock.Anything, "cs_ghost").Return(nil, sql.ErrNoRows)

	rec := postRefund(newHandler(store, new(MockRefundCreator), new(MockRefundApplier)),
		`{"payment_reference":"cs_ghost"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRefundValidation(t *testing.T) {
	handler := newHandler(new(MockStore), new(MockRefundCreator), new(MockRefundApplier))

	assert.Equal(t, http.StatusBadRequest, postRefund(handler, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postRefund(handler, `{"order_id":"o1","amount":-5}`).Code)
	assert.Equal(t, http.StatusBadRequest, postRefund(handler, `not json`).Code)
}

func TestCreateRefundProviderFailure(t *testing.T) {
	store := new(MockStore)
	creator := new(MockRefundCreator)
	applier := new(MockRefundApplier)

	store.On("GetOrderByID", mock.Anything, "order-1").Return(refundableOrder(), nil)
	creator.On("CreateRefund", mock.Anything, "pi_abc", 15.98).Return(assert.AnError)

	rec := postRefund(newHandler(store, creator, applier), `{"order_id":"order-1"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	// Nothing was revoked locally for a refund that never happened.
	applier.AssertNotCalled(t, "ApplyRefund", mock.Anything, mock.Anything)
}

func TestCreateRefundLocalFailureAfterProviderSuccess(t *testing.T) {
	store := new(MockStore)
	creator := new(MockRefundCreator)
	applier := new(MockRefundApplier)

	store.On("GetOrderByID", mock.Anything, "order-1").Return(refundableOrder(), nil)
	creator.On("CreateRefund", mock.Anything, "pi_abc", 15.98).Return(nil)
	applier.On("ApplyRefund", mock.Anything, mock.Anything).Return(assert.AnError)

	rec := postRefund(newHandler(store, creator, applier), `{"order_id":"order-1"}`)

	// The money moved; 202 reports the pending local reconciliation.
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUnresolvedItems(t *testing.T) {
	store := new(MockStore)
	store.On("ListUnresolvedItems", mock.Anything, 200).Return([]models.OrderItem{
		{ID: "item-1", OrderID: "order-1", ProductNameSnapshot: "Mystery Item"},
	}, nil)

	handler := newHandler(store, new(MockRefundCreator), new(MockRefundApplier))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/unresolved-items", nil)
	handler.UnresolvedItems(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Mystery Item")
}
