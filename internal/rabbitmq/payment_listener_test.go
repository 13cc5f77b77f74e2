package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/appointment"
)

type failingSignaler struct{}

func (failingSignaler) Signal(context.Context, string, bool) error { return errors.New("redis down") }

func TestHandle_SignalsWaitingBooking(t *testing.T) {
	payments := appointment.NewLocalPayments()
	l := &PaymentListener{signaler: payments, logger: zerolog.Nop()}

	if err := l.handle(context.Background(), []byte(`{"payment_ref":"ord-1","approved":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	approved, err := payments.Await(ctx, "ord-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !approved {
		t.Error("expected approved payment")
	}
}

func TestHandle_RejectsMalformedMessages(t *testing.T) {
	l := &PaymentListener{signaler: appointment.NewLocalPayments(), logger: zerolog.Nop()}

	tests := []struct {
		name string
		body string
	}{
		{"not json", `payment ok`},
		{"missing ref", `{"approved":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.handle(context.Background(), []byte(tt.body))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestHandle_SignalerFailureIsRetryable(t *testing.T) {
	l := &PaymentListener{signaler: failingSignaler{}, logger: zerolog.Nop()}

	err := l.handle(context.Background(), []byte(`{"payment_ref":"ord-2","approved":false}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidMessage) {
		t.Error("signaler failure must not be treated as a malformed message")
	}
}

func TestStop_NilListener(t *testing.T) {
	var l *PaymentListener
	if err := l.Stop(); err != nil {
		t.Errorf("Stop on nil listener: %v", err)
	}
}
