package kafka

import (
	"context"
	"encoding/json"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/segmentio/kafka-go"
)

type Topics struct {
	OrderFulfilled string
	OrderRefunded  string
	TokenRevoked   string
}

// Producer streams fulfillment lifecycle events. Publishing is
// best-effort everywhere it is called; a broker outage must never fail
// an order.
type Producer struct {
	Writer *kafka.Writer
	Topics Topics
}

func NewProducer(brokers []string, topics Topics) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{Writer: writer, Topics: topics}
}

func (p *Producer) publish(topic, key string, event models.FulfillmentEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
	})
}

func (p *Producer) PublishOrderFulfilled(order models.Order, tokenIDs []string) error {
	return p.publish(p.Topics.OrderFulfilled, order.PaymentReference, models.FulfillmentEvent{
		Type:             "order.fulfilled",
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Total:            order.Total,
		TokenIDs:         tokenIDs,
		Timestamp:        time.Now(),
	})
}

func (p *Producer) PublishOrderRefunded(order models.Order) error {
	return p.publish(p.Topics.OrderRefunded, order.PaymentReference, models.FulfillmentEvent{
		Type:             "order.refunded",
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Total:            order.RefundedTotal,
		Timestamp:        time.Now(),
	})
}

func (p *Producer) PublishTokensRevoked(order models.Order, tokenIDs []string) error {
	return p.publish(p.Topics.TokenRevoked, order.PaymentReference, models.FulfillmentEvent{
		Type:             "token.revoked",
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		TokenIDs:         tokenIDs,
		Timestamp:        time.Now(),
	})
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
