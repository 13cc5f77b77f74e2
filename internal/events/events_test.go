package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestKafkaPublisher_KeysByAppointment(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	apptID := uuid.New()
	ev := Event{
		Type:          AppointmentBooked,
		AppointmentID: &apptID,
		Payload:       map[string]any{"slot_id": "abc"},
		At:            time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != apptID.String() {
		t.Errorf("key = %q, want %q", msg.Key, apptID.String())
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != AppointmentBooked {
		t.Errorf("headers = %v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != AppointmentBooked || decoded.Payload["slot_id"] != "abc" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestKafkaPublisher_KeysBySchedule(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	schedID := uuid.New()
	if err := p.Publish(context.Background(), Event{Type: ScheduleDeleted, ScheduleID: &schedID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(w.msgs[0].Key) != schedID.String() {
		t.Errorf("key = %q, want schedule id", w.msgs[0].Key)
	}
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}}

	err := p.Publish(context.Background(), Event{Type: AppointmentCreated})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("nope")}

	err := Multi{failing, ok}.Publish(context.Background(), Event{Type: AppointmentCancelled})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Errorf("expected every publisher to receive the event, got %d and %d", len(ok.got), len(failing.got))
	}
}
