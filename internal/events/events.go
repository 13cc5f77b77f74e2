package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

const (
	AppointmentCreated       = "APPOINTMENT_CREATED"
	AppointmentSlotBound     = "APPOINTMENT_SLOT_BOUND"
	AppointmentBooked        = "APPOINTMENT_BOOKED"
	AppointmentPaymentFailed = "APPOINTMENT_PAYMENT_FAILED"
	AppointmentCheckedIn     = "APPOINTMENT_CHECKED_IN"
	AppointmentFulfilled     = "APPOINTMENT_FULFILLED"
	AppointmentCancelled     = "APPOINTMENT_CANCELLED"
	ScheduleDeleted          = "SCHEDULE_DELETED"
	SlotsDeleted             = "SLOTS_DELETED"
)

// Event is a lifecycle fact about an appointment or a schedule.
type Event struct {
	Type          string         `json:"type"`
	AppointmentID *uuid.UUID     `json:"appointment_id,omitempty"`
	ScheduleID    *uuid.UUID     `json:"schedule_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	At            time.Time      `json:"at"`
}

// Publisher delivers events. Callers log publish failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PgLog appends events to the event_logs table.
type PgLog struct {
	pool *pgxpool.Pool
}

func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

func (l *PgLog) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, schedule_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.Type, ev.AppointmentID, ev.ScheduleID, payload, nullableTime(ev.At))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// messageWriter is the part of kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to one topic, keyed by the appointment
// (or schedule) id so one entity's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func encodeMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}

	var key []byte
	switch {
	case ev.AppointmentID != nil:
		key = []byte(ev.AppointmentID.String())
	case ev.ScheduleID != nil:
		key = []byte(ev.ScheduleID.String())
	}

	return kafka.Message{
		Key:   key,
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
