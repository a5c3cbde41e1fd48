package fulfillment

import (
	"context"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notification"
	"ms-fulfillment/internal/utils"

	"github.com/google/uuid"
)

type EntitlementStore interface {
	CreateOrderIfAbsent(ctx context.Context, order *models.Order) (bool, *models.Order, error)
	InsertOrderItems(ctx context.Context, items []models.OrderItem) error
	InsertDownloadToken(ctx context.Context, token *models.DownloadToken) error
}

type ItemResolver interface {
	Resolve(ctx context.Context, item models.PurchasedItem) (*string, error)
}

type EventPublisher interface {
	PublishOrderFulfilled(order models.Order, tokenIDs []string) error
}

// AccountProvisioner creates a user account for a guest checkout.
// Strictly best-effort: a provisioning failure never fails the order.
type AccountProvisioner interface {
	ProvisionByEmail(ctx context.Context, email, name string) (string, error)
}

type Policy struct {
	MaxDownloads int
	TokenTTL     time.Duration
	// Base URL used to render download links in customer mail.
	PublicBaseURL string
}

// Service turns one verified payment_completed event into an Order with
// its item and token set, exactly once per payment_reference.
type Service struct {
	DB       EntitlementStore
	Resolver ItemResolver
	Kafka    EventPublisher
	Mailer   notification.Mailer
	Accounts AccountProvisioner
	Policy   Policy
	Logger   *logger.Logger
}

func NewService(db EntitlementStore, resolver ItemResolver, kafka EventPublisher, mailer notification.Mailer, accounts AccountProvisioner, policy Policy, log *logger.Logger) *Service {
	return &Service{
		DB:       db,
		Resolver: resolver,
		Kafka:    kafka,
		Mailer:   mailer,
		Accounts: accounts,
		Policy:   policy,
		Logger:   log,
	}
}

// FulfillPayment processes a completed payment. The bool result reports
// whether this call created the order; false means the event was a
// duplicate and the previously created order is returned untouched.
func (s *Service) FulfillPayment(ctx context.Context, event models.PaymentCompletedEvent) (*models.Order, bool, error) {
	if event.PaymentReference == "" {
		return nil, false, fmt.Errorf("payment event has no payment_reference")
	}

	now := time.Now()
	order := &models.Order{
		ID:                     uuid.NewString(),
		PaymentReference:       event.PaymentReference,
		PaymentIntentReference: event.PaymentIntentReference,
		CustomerEmail:          event.CustomerEmail,
		CustomerName:           event.CustomerName,
		Subtotal:               event.Subtotal,
		Total:                  event.Total,
		Currency:               event.Currency,
		Status:                 models.OrderStatusPaid,
		CreatedAt:              now,
		PaidAt:                 &now,
	}
	if order.Currency == "" {
		order.Currency = "usd"
	}

	created, order, err := s.DB.CreateOrderIfAbsent(ctx, order)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create order for %s: %w", event.PaymentReference, err)
	}
	if !created {
		// Duplicate delivery. Not an error: ack and hand back what the
		// first delivery built.
		s.Logger.LogOrder("DUPLICATE", event.PaymentReference, "event already processed, skipping")
		return order, false, nil
	}

	s.Logger.LogOrder("CREATE", event.PaymentReference, fmt.Sprintf("order %s created, total %.2f %s", order.ID, order.Total, order.Currency))

	userRef := event.UserRef
	if userRef == "" && event.CustomerEmail != "" && s.Accounts != nil {
		ref, err := s.Accounts.ProvisionByEmail(ctx, event.CustomerEmail, event.CustomerName)
		if err != nil {
			s.Logger.Warn("ACCOUNTS", fmt.Sprintf("provisioning failed for %s: %v", event.CustomerEmail, err))
		} else {
			userRef = ref
		}
	}

	items := make([]models.OrderItem, 0, len(event.Items))
	unresolved := 0
	for _, line := range event.Items {
		productRef, err := s.Resolver.Resolve(ctx, line)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve line item %q: %w", line.DisplayName, err)
		}
		if productRef == nil {
			unresolved++
		}

		items = append(items, models.OrderItem{
			ID:                  uuid.NewString(),
			OrderID:             order.ID,
			ProductRef:          productRef,
			ProductNameSnapshot: line.DisplayName,
			UnitPriceSnapshot:   line.UnitPrice,
			Quantity:            line.Quantity,
		})
	}

	if err := s.DB.InsertOrderItems(ctx, items); err != nil {
		return nil, false, fmt.Errorf("failed to insert items for order %s: %w", order.ID, err)
	}

	// Tokens are only issued for items the resolver could identify:
	// without a product there is nothing for the token to unlock.
	tokenIDs := make([]string, 0, len(items))
	downloadURLs := make([]string, 0, len(items))
	for _, item := range items {
		if !item.Resolved() {
			continue
		}

		tokenValue, err := utils.GenerateDownloadToken()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate token for item %s: %w", item.ID, err)
		}

		token := &models.DownloadToken{
			ID:            uuid.NewString(),
			OrderItemID:   item.ID,
			Token:         tokenValue,
			ProductRef:    *item.ProductRef,
			MaxDownloads:  s.Policy.MaxDownloads,
			DownloadCount: 0,
			ExpiresAt:     now.Add(s.Policy.TokenTTL),
			IsActive:      true,
			CreatedAt:     now,
		}
		if userRef != "" {
			token.UserRef = &userRef
		}

		if err := s.DB.InsertDownloadToken(ctx, token); err != nil {
			return nil, false, fmt.Errorf("failed to insert token for item %s: %w", item.ID, err)
		}
		tokenIDs = append(tokenIDs, token.ID)
		downloadURLs = append(downloadURLs, fmt.Sprintf("%s/download/%s", s.Policy.PublicBaseURL, token.Token))
	}

	if unresolved > 0 {
		s.Logger.Warn("ORDER", fmt.Sprintf("order %s has %d unresolved item(s) awaiting review", order.ID, unresolved))
	}

	s.notify(order, downloadURLs, unresolved)

	if s.Kafka != nil {
		if err := s.Kafka.PublishOrderFulfilled(*order, tokenIDs); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("failed to publish order.fulfilled for %s: %v", order.ID, err))
		}
	}

	s.Logger.LogOrder("FULFILLED", event.PaymentReference, fmt.Sprintf("order %s: %d item(s), %d token(s)", order.ID, len(items), len(tokenIDs)))
	return order, true, nil
}

func (s *Service) notify(order *models.Order, downloadURLs []string, unresolved int) {
	if s.Mailer == nil {
		return
	}
	if err := s.Mailer.SendOrderConfirmation(*order, downloadURLs); err != nil {
		s.Logger.Warn("EMAIL", fmt.Sprintf("confirmation mail for order %s failed: %v", order.ID, err))
	}
	if err := s.Mailer.SendOperatorCopy(*order, unresolved); err != nil {
		s.Logger.Warn("EMAIL", fmt.Sprintf("operator mail for order %s failed: %v", order.ID, err))
	}
}
