// Package events publishes cart integration events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"github.com/freshbazaar/cart-engine/internal/model"
)

const (
	// EventsExchange is the topic exchange all storefront events go through.
	EventsExchange = "storefront.events"

	// CartCheckedOutRoutingKey is the routing key for checkout events.
	CartCheckedOutRoutingKey = "cart.checkedout.v1"

	cartCheckedOutEventName    = "CartCheckedOut"
	cartCheckedOutEventVersion = 1
	producerName               = "cart-engine"
)

// Envelope wraps an event payload with routing and tracing metadata.
type Envelope struct {
	EventName    string             `json:"eventName"`
	EventVersion int                `json:"eventVersion"`
	EventID      string             `json:"eventId"`
	Producer     string             `json:"producer"`
	PartitionKey string             `json:"partitionKey"`
	OccurredAt   time.Time          `json:"occurredAt"`
	Payload      CartCheckedOutBody `json:"payload"`
}

// CartCheckedOutBody is the checkout event payload.
type CartCheckedOutBody struct {
	UserID      string          `json:"userId"`
	Items       []CheckedItem   `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CheckedItem is one purchased line.
type CheckedItem struct {
	ProductID int             `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// RabbitPublisher publishes checkout events on a dedicated channel.
type RabbitPublisher struct {
	ch *amqp.Channel
}

// Dial connects to RabbitMQ at url.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	return conn, nil
}

// NewRabbitPublisher opens a channel and declares the events exchange.
func NewRabbitPublisher(conn *amqp.Connection) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring events exchange: %w", err)
	}
	return &RabbitPublisher{ch: ch}, nil
}

// PublishCartCheckedOut emits a CartCheckedOut v1 event for the given user
// and final cart snapshot.
func (p *RabbitPublisher) PublishCartCheckedOut(ctx context.Context, userID string, snap model.Snapshot) error {
	now := time.Now().UTC()

	items := make([]CheckedItem, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		items = append(items, CheckedItem{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Price:     l.UnitPrice,
		})
	}

	env := Envelope{
		EventName:    cartCheckedOutEventName,
		EventVersion: cartCheckedOutEventVersion,
		EventID:      uuid.NewString(),
		Producer:     producerName,
		PartitionKey: userID,
		OccurredAt:   now,
		Payload: CartCheckedOutBody{
			UserID:      userID,
			Items:       items,
			TotalAmount: snap.TotalPrice,
			Timestamp:   now,
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return p.ch.PublishWithContext(ctx, EventsExchange, CartCheckedOutRoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.EventID,
			Timestamp:    now,
			Body:         body,
		})
}

// Close releases the channel.
func (p *RabbitPublisher) Close() error {
	return p.ch.Close()
}
