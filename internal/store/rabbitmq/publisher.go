package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PaymentMessage asks the worker to reconcile one payment.
type PaymentMessage struct {
	PaymentID string `json:"payment_id"`
	Attempt   int    `json:"attempt"`
}

func (m PaymentMessage) Valid() bool { return m.PaymentID != "" && m.Attempt >= 0 }

func DecodePaymentMessage(body []byte) (PaymentMessage, error) {
	var m PaymentMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return PaymentMessage{}, errors.Wrap(err, "decode payment message")
	}
	if !m.Valid() {
		return PaymentMessage{}, errors.New("payment message without payment id")
	}
	return m, nil
}

type Publisher struct {
	conn   *amqp.Connection
	mu     sync.Mutex // amqp channels are not safe for concurrent publishing
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "rabbit dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbit channel")
	}
	return NewPublisherOnChannel(conn, ch, queue)
}

// NewPublisherOnChannel publishes on an existing channel. The worker hands it
// a channel of its own, separate from the one it consumes on, for retries.
func NewPublisherOnChannel(conn *amqp.Connection, ch *amqp.Channel, queue string) (*Publisher, error) {
	qs := QueuesFor(queue)
	if err := qs.Declare(ch); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: qs}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishPaymentCheck(ctx context.Context, paymentID string) error {
	return p.publish(ctx, p.queues.Main, PaymentMessage{PaymentID: paymentID}, 0)
}

// PublishRetry parks m in the retry queue; it reappears on the main queue
// after delay.
func (p *Publisher) PublishRetry(ctx context.Context, m PaymentMessage, delay time.Duration) error {
	return p.publish(ctx, p.queues.Retry, m, delay)
}

func (p *Publisher) publish(ctx context.Context, queue string, m PaymentMessage, ttl time.Duration) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrapf(p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	), "publish to %s", queue)
}
