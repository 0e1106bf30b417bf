package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// ─── Redis ────────────────────────────────────────────────────────────────────

// RedisPublisher is the subset of *redis.Client used for receipts.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes receipt events to a channel and to a per-payer
// channel "<channel>:<payer_id>".
type RedisNotifier struct {
	client  RedisPublisher
	channel string
	closer  func() error
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, channel string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	n := NewRedisNotifier(client, channel)
	n.closer = client.Close
	return n, nil
}

func NewRedisNotifier(client RedisPublisher, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) SendPaymentReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.publish(ctx, NewReceiptEvent(EventPaymentReceipt, payer, resource, record))
}

func (n *RedisNotifier) SendRefundReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.publish(ctx, NewReceiptEvent(EventRefundReceipt, payer, resource, record))
}

func (n *RedisNotifier) publish(ctx context.Context, ev ReceiptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode receipt event: %w", err)
	}

	payerChannel := fmt.Sprintf("%s:%s", n.channel, ev.PayerID)
	if err := n.client.Publish(ctx, payerChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", payerChannel, err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	if n.closer != nil {
		return n.closer()
	}
	return nil
}

// ─── AMQP ─────────────────────────────────────────────────────────────────────

// AMQPPublisher is the subset of *amqp.Channel used for receipts.
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes receipt events to a topic exchange with the event
// type as routing key.
type AMQPNotifier struct {
	ch       AMQPPublisher
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// DialAMQP connects and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	n := NewAMQPNotifier(ch, exchange)
	n.conn, n.channel = conn, ch
	return n, nil
}

func NewAMQPNotifier(ch AMQPPublisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange}
}

func (n *AMQPNotifier) SendPaymentReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.publish(ctx, NewReceiptEvent(EventPaymentReceipt, payer, resource, record))
}

func (n *AMQPNotifier) SendRefundReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.publish(ctx, NewReceiptEvent(EventRefundReceipt, payer, resource, record))
}

func (n *AMQPNotifier) publish(ctx context.Context, ev ReceiptEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode receipt event: %w", err)
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.RecordID.String() + ":" + ev.Type,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
