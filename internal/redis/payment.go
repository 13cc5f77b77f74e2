package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	paymentApproved = "approved"
	paymentDeclined = "declined"
)

// PaymentBus carries payment confirmation signals between the webhook that
// receives them and the booking request waiting on them, possibly on another
// instance. The outcome is kept under a key so a late waiter still sees it.
type PaymentBus struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPaymentBus(client *redis.Client, ttl time.Duration) *PaymentBus {
	return &PaymentBus{client: client, ttl: ttl}
}

func paymentChannel(ref string) string   { return "payment:" + ref }
func paymentResultKey(ref string) string { return "payment:result:" + ref }

// Signal records and broadcasts the outcome for a payment reference.
func (b *PaymentBus) Signal(ctx context.Context, ref string, approved bool) error {
	outcome := paymentDeclined
	if approved {
		outcome = paymentApproved
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, paymentResultKey(ref), outcome, b.ttl)
	pipe.Publish(ctx, paymentChannel(ref), outcome)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signal payment %s: %w", ref, err)
	}
	return nil
}

// Await blocks until an outcome for ref arrives or ctx is done. It returns
// ctx.Err() when nothing arrived in time.
func (b *PaymentBus) Await(ctx context.Context, ref string) (bool, error) {
	sub := b.client.Subscribe(ctx, paymentChannel(ref))
	defer sub.Close()

	// Wait for the subscription to be live before looking for an earlier result.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("subscribe payment %s: %w", ref, err)
	}

	stored, err := b.client.Get(ctx, paymentResultKey(ref)).Result()
	switch {
	case err == nil:
		return stored == paymentApproved, nil
	case !errors.Is(err, redis.Nil):
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("read payment %s: %w", ref, err)
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return false, fmt.Errorf("payment subscription %s closed", ref)
		}
		return msg.Payload == paymentApproved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
