package fulfillment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateOrderIfAbsent(ctx context.Context, order *models.Order) (bool, *models.Order, error) {
	args := m.Called(ctx, order)
	out, _ := args.Get(1).(*models.Order)
	if out == nil && args.Bool(0) {
		// Echo the inserted order back, like the real store does.
		out = order
	}
	return args.Bool(0), out, args.Error(2)
}

func (m *MockStore) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	args := m.Called(ctx, items)
	return args.Error(0)
}

func (m *MockStore) InsertDownloadToken(ctx context.Context, token *models.DownloadToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, item models.PurchasedItem) (*string, error) {
	args := m.Called(ctx, item)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*string), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishOrderFulfilled(order models.Order, tokenIDs []string) error {
	args := m.Called(order, tokenIDs)
	return args.Error(0)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendOrderConfirmation(order models.Order, downloadURLs []string) error {
	args := m.Called(order, downloadURLs)
	return args.Error(0)
}

func (m *MockMailer) SendOperatorCopy(order models.Order, unresolvedCount int) error {
	args := m.Called(order, unresolvedCount)
	return args.Error(0)
}

func (m *MockMailer) SendRefundNotice(order models.Order) error {
	args := m.Called(order)
	return args.Error(0)
}

type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) ProvisionByEmail(ctx context.Context, email, name string) (string, error) {
	args := m.Called(ctx, email, name)
	return args.String(0), args.Error(1)
}

func testPolicy() fulfillment.Policy {
	return fulfillment.Policy{
		MaxDownloads:  3,
		TokenTTL:      30 * 24 * time.Hour,
		PublicBaseURL: "https://shop.example.com",
	}
}

func completedEvent() models.PaymentCompletedEvent {
	return models.PaymentCompletedEvent{
		PaymentReference:       "cs_abc",
		PaymentIntentReference: "pi_abc",
		CustomerEmail:          "buyer@example.com",
		CustomerName:           "Buyer",
		UserRef:                "user-1",
		Subtotal:               15.98,
		Total:                  15.98,
		Currency:               "usd",
		Items: []models.PurchasedItem{
			{DisplayName: "Item A", UnitPrice: 7.99, Quantity: 1, ProductID: "p1"},
			{DisplayName: "Item B", UnitPrice: 7.99, Quantity: 1},
		},
	}
}

func TestFulfillPaymentEndToEnd(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	publisher := new(MockPublisher)
	mailer := new(MockMailer)

	store.On("CreateOrderIfAbsent", mock.Anything, mock.MatchedBy(func(o *models.Order) bool {
		return o.PaymentReference == "cs_abc" && o.Total == 15.98 && o.Status == models.OrderStatusPaid
	})).Return(true, nil, nil).Once()

	p1 := "p1"
	resolver.On("Resolve", mock.Anything, mock.MatchedBy(func(i models.PurchasedItem) bool {
		return i.DisplayName == "Item A"
	})).Return(&p1, nil)
	// Item B has no embedded id and no catalog match: unresolved, no
	// error.
	resolver.On("Resolve", mock.Anything, mock.MatchedBy(func(i models.PurchasedItem) bool {
		return i.DisplayName == "Item B"
	})).Return(nil, nil)

	var insertedItems []models.OrderItem
	store.On("InsertOrderItems", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		insertedItems = args.Get(1).([]models.OrderItem)
	}).Return(nil)

	var insertedTokens []*models.DownloadToken
	store.On("InsertDownloadToken", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		insertedTokens = append(insertedTokens, args.Get(1).(*models.DownloadToken))
	}).Return(nil)

	mailer.On("SendOrderConfirmation", mock.Anything, mock.MatchedBy(func(urls []string) bool {
		return len(urls) == 1
	})).Return(nil)
	mailer.On("SendOperatorCopy", mock.Anything, 1).Return(nil)
	publisher.On("PublishOrderFulfilled", mock.Anything, mock.MatchedBy(func(ids []string) bool {
		return len(ids) == 1
	})).Return(nil)

	svc := fulfillment.NewService(store, resolver, publisher, mailer, nil, testPolicy(), logger.NewTestLogger())

	order, created, err := svc.FulfillPayment(context.Background(), completedEvent())

	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "cs_abc", order.PaymentReference)
	assert.NotNil(t, order.PaidAt)

	// Both items recorded, only the resolved one tokenized.
	assert.Len(t, insertedItems, 2)
	assert.True(t, insertedItems[0].Resolved())
	assert.False(t, insertedItems[1].Resolved())

	assert.Len(t, insertedTokens, 1)
	tok := insertedTokens[0]
	assert.Equal(t, "p1", tok.ProductRef)
	assert.Equal(t, 3, tok.MaxDownloads)
	assert.Equal(t, 0, tok.DownloadCount)
	assert.True(t, tok.IsActive)
	assert.Len(t, tok.Token, 32)
	assert.Equal(t, insertedItems[0].ID, tok.OrderItemID)

	store.AssertExpectations(t)
	resolver.AssertExpectations(t)
	publisher.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestFulfillPaymentDuplicateDelivery(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)

	existing := &models.Order{ID: "order-1", PaymentReference: "cs_abc", Status: models.OrderStatusPaid}
	store.On("CreateOrderIfAbsent", mock.Anything, mock.Anything).Return(false, existing, nil)

	svc := fulfillment.NewService(store, resolver, nil, nil, nil, testPolicy(), logger.NewTestLogger())

	order, created, err := svc.FulfillPayment(context.Background(), completedEvent())

	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "order-1", order.ID)

	// No items, no tokens, no second fulfillment.
	store.AssertNotCalled(t, "InsertOrderItems", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "InsertDownloadToken", mock.Anything, mock.Anything)
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestFulfillPaymentMailFailureDoesNotFailOrder(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	mailer := new(MockMailer)

	store.On("CreateOrderIfAbsent", mock.Anything, mock.Anything).Return(true, &models.Order{
		ID: "order-1", PaymentReference: "cs_abc", Status: models.OrderStatusPaid,
	}, nil)
	p1 := "p1"
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(&p1, nil)
	store.On("InsertOrderItems", mock.Anything, mock.Anything).Return(nil)
	store.On("InsertDownloadToken", mock.Anything, mock.Anything).Return(nil)

	mailer.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	mailer.On("SendOperatorCopy", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	svc := fulfillment.NewService(store, resolver, nil, mailer, nil, testPolicy(), logger.NewTestLogger())

	event := completedEvent()
	event.Items = event.Items[:1]
	_, created, err := svc.FulfillPayment(context.Background(), event)

	assert.NoError(t, err)
	assert.True(t, created)
	mailer.AssertExpectations(t)
}

func TestFulfillPaymentGuestCheckoutProvisionsAccount(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	accounts := new(MockAccounts)

	store.On("CreateOrderIfAbsent", mock.Anything, mock.Anything).Return(true, &models.Order{
		ID: "order-1", PaymentReference: "cs_abc", Status: models.OrderStatusPaid,
	}, nil)
	p1 := "p1"
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(&p1, nil)
	store.On("InsertOrderItems", mock.Anything, mock.Anything).Return(nil)

	accounts.On("ProvisionByEmail", mock.Anything, "buyer@example.com", "Buyer").Return("user-new", nil)

	var inserted *models.DownloadToken
	store.On("InsertDownloadToken", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		inserted = args.Get(1).(*models.DownloadToken)
	}).Return(nil)

	svc := fulfillment.NewService(store, resolver, nil, nil, accounts, testPolicy(), logger.NewTestLogger())

	event := completedEvent()
	event.UserRef = ""
	event.Items = event.Items[:1]
	_, _, err := svc.FulfillPayment(context.Background(), event)

	assert.NoError(t, err)
	assert.NotNil(t, inserted.UserRef)
	assert.Equal(t, "user-new", *inserted.UserRef)
	accounts.AssertExpectations(t)
}

func TestFulfillPaymentMissingReference(t *testing.T) {
	svc := fulfillment.NewService(new(MockStore), new(MockResolver), nil, nil, nil, testPolicy(), logger.NewTestLogger())

	_, _, err := svc.FulfillPayment(context.Background(), models.PaymentCompletedEvent{})
	assert.Error(t, err)
}
