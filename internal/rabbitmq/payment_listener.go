// Package rabbitmq consumes payment gateway outcomes from a RabbitMQ queue and
// forwards them to the waiting bookings.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/appointment"
)

var ErrInvalidMessage = errors.New("invalid payment message")

// PaymentMessage is the body the gateway publishes for each payment.
type PaymentMessage struct {
	PaymentRef string `json:"payment_ref"`
	Approved   bool   `json:"approved"`
}

type PaymentListener struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	signaler appointment.PaymentSignaler
	logger   zerolog.Logger
}

func NewPaymentListener(url, queue string, signaler appointment.PaymentSignaler, logger zerolog.Logger) (*PaymentListener, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	return &PaymentListener{
		conn:     conn,
		channel:  channel,
		queue:    queue,
		signaler: signaler,
		logger:   logger.With().Str("component", "payment_listener").Str("queue", queue).Logger(),
	}, nil
}

// Start declares the queue and consumes it until ctx is done.
func (l *PaymentListener) Start(ctx context.Context) error {
	q, err := l.channel.QueueDeclare(
		l.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	msgs, err := l.channel.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					l.logger.Warn().Msg("delivery channel closed")
					return
				}
				l.deliver(ctx, msg)
			}
		}
	}()

	l.logger.Info().Msg("payment queue started")
	return nil
}

func (l *PaymentListener) deliver(ctx context.Context, msg amqp.Delivery) {
	err := l.handle(ctx, msg.Body)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case errors.Is(err, ErrInvalidMessage):
		l.logger.Error().Err(err).Bytes("body", msg.Body).Msg("dropping malformed payment message")
		_ = msg.Nack(false, false)
	default:
		l.logger.Warn().Err(err).Msg("payment signal failed, requeueing")
		_ = msg.Nack(false, true)
	}
}

func (l *PaymentListener) handle(ctx context.Context, body []byte) error {
	var m PaymentMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.PaymentRef == "" {
		return fmt.Errorf("%w: missing payment_ref", ErrInvalidMessage)
	}

	if err := l.signaler.Signal(ctx, m.PaymentRef, m.Approved); err != nil {
		return err
	}
	l.logger.Debug().Str("payment_ref", m.PaymentRef).Bool("approved", m.Approved).Msg("payment signalled")
	return nil
}

func (l *PaymentListener) Stop() error {
	if l == nil || l.channel == nil {
		return nil
	}
	if err := l.channel.Close(); err != nil {
		return err
	}
	return l.conn.Close()
}
