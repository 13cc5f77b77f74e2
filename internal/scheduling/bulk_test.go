package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/events"
	redisclient "github.com/hackgods/practitioner-availability/internal/redis"
)

type eventSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (e *eventSink) Publish(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

// failingDeleteStore fails every delete after the lock is taken.
type failingDeleteStore struct {
	*MemoryStore
	err error
}

func (f failingDeleteStore) DeleteSchedules(context.Context, []uuid.UUID, string) (DeleteResult, error) {
	return DeleteResult{}, f.err
}

func (f failingDeleteStore) DeleteSlots(context.Context, uuid.UUID, []uuid.UUID, string) (DeleteResult, error) {
	return DeleteResult{}, f.err
}

func bookedAppointment(t *testing.T, store *MemoryStore, slotID uuid.UUID) *Appointment {
	t.Helper()
	ctx := context.Background()
	a := &Appointment{PatientID: uuid.New(), PractitionerID: uuid.New()}
	if err := store.CreateAppointment(ctx, a); err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	booked, _, err := store.BookAppointment(ctx, a.ID, slotID, false)
	if err != nil {
		t.Fatalf("book appointment: %v", err)
	}
	return booked
}

func newBulk(store Store) (*BulkEngine, *eventSink) {
	sink := &eventSink{}
	return NewBulkEngine(store, redisclient.NewLocalLocker(time.Second), time.UTC, sink, zerolog.Nop()), sink
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"08:00", 8 * time.Hour, true},
		{"08:30:15", 8*time.Hour + 30*time.Minute + 15*time.Second, true},
		{"23:59", 23*time.Hour + 59*time.Minute, true},
		{"8am", 0, false},
		{"25:00", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("%q: err = %v", tt.in, err)
			continue
		}
		if tt.ok && time.Duration(got) != tt.want {
			t.Errorf("%q: got %v, want %v", tt.in, time.Duration(got), tt.want)
		}
	}
	if s := TimeOfDay(8*time.Hour + 5*time.Minute).String(); s != "08:05" {
		t.Errorf("String() = %q", s)
	}
}

func TestDeleteSchedulesByID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	practitioner := uuid.New()
	a := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 1))
	b := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 2))

	bulk, sink := newBulk(store)
	res, err := bulk.DeleteSchedulesByID(ctx, []uuid.UUID{a.ID, a.ID, uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Schedules != 1 || res.Slots != 2 {
		t.Errorf("result = %+v", res)
	}
	if _, err := store.GetSchedule(ctx, b.ID); err != nil {
		t.Errorf("unrelated schedule removed: %v", err)
	}
	if len(sink.got) != 1 || sink.got[0].Type != events.ScheduleDeleted || *sink.got[0].ScheduleID != a.ID {
		t.Errorf("events = %+v", sink.got)
	}

	res, err = bulk.DeleteSchedulesByID(ctx, []uuid.UUID{a.ID})
	if err != nil || res != (Result{}) {
		t.Errorf("repeat delete: %+v, %v", res, err)
	}
	if len(sink.got) != 1 {
		t.Errorf("repeat delete emitted an event")
	}
}

func TestDeleteSchedulesByDateRange_SingleDay(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	practitioner := uuid.New()
	other := uuid.New()
	before := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 1))
	target := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 2))
	after := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 3))
	otherSameDay := mustCreate(t, store, newDaySchedule(other, 2024, 6, 2))

	bulk, _ := newBulk(store)
	d := day(2024, 6, 2, 13, 45)

	res, err := bulk.DeleteSchedulesByDateRange(ctx, practitioner, d, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Schedules != 1 {
		t.Errorf("result = %+v", res)
	}

	if _, err := store.GetSchedule(ctx, target.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("target schedule still present")
	}
	for _, s := range []*Schedule{before, after, otherSameDay} {
		if _, err := store.GetSchedule(ctx, s.ID); err != nil {
			t.Errorf("schedule %s removed: %v", s.PlanningStart, err)
		}
	}

	res, err = bulk.DeleteSchedulesByDateRange(ctx, practitioner, d, d)
	if err != nil || res != (Result{}) {
		t.Errorf("repeat delete: %+v, %v", res, err)
	}
}

func TestDeleteSlotsByTimeRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
	bulk, sink := newBulk(store)

	from, _ := ParseTimeOfDay("08:00")
	to, _ := ParseTimeOfDay("08:30")

	res, err := bulk.DeleteSlotsByTimeRange(ctx, s.ID, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Slots != 1 {
		t.Errorf("result = %+v", res)
	}

	got, err := store.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("schedule removed: %v", err)
	}
	if len(got.Slots) != 1 || !got.Slots[0].Start.Equal(day(2024, 6, 1, 8, 30)) {
		t.Errorf("remaining slots = %+v", got.Slots)
	}
	if len(sink.got) != 1 || sink.got[0].Type != events.SlotsDeleted {
		t.Errorf("events = %+v", sink.got)
	}

	res, err = bulk.DeleteSlotsByTimeRange(ctx, s.ID, from, to)
	if err != nil || res != (Result{}) {
		t.Errorf("repeat delete: %+v, %v", res, err)
	}
}

func TestDeleteSlotsByTimeRange_ExactStart(t *testing.T) {
	store := NewMemoryStore()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
	bulk, _ := newBulk(store)

	at, _ := ParseTimeOfDay("08:30")
	res, err := bulk.DeleteSlotsByTimeRange(context.Background(), s.ID, at, at)
	if err != nil || res.Slots != 1 {
		t.Fatalf("result = %+v, %v", res, err)
	}
	got, _ := store.GetSchedule(context.Background(), s.ID)
	if len(got.Slots) != 1 || !got.Slots[0].Start.Equal(day(2024, 6, 1, 8, 0)) {
		t.Errorf("remaining slots = %+v", got.Slots)
	}
}

func TestDeleteSlotsByTimeRange_Errors(t *testing.T) {
	store := NewMemoryStore()
	bulk, _ := newBulk(store)

	from, _ := ParseTimeOfDay("09:00")
	to, _ := ParseTimeOfDay("08:00")
	if _, err := bulk.DeleteSlotsByTimeRange(context.Background(), uuid.New(), from, to); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("reversed range: err = %v, want ErrInvalidWindow", err)
	}

	res, err := bulk.DeleteSlotsByTimeRange(context.Background(), uuid.New(), to, from)
	if err != nil || res != (Result{}) {
		t.Errorf("unknown schedule: %+v, %v", res, err)
	}
}

func TestDeleteSlotsByID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
	bulk, _ := newBulk(store)

	res, err := bulk.DeleteSlotsByID(ctx, s.ID, []uuid.UUID{s.Slots[1].ID, uuid.New()})
	if err != nil || res.Slots != 1 {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if _, err := store.GetSlot(ctx, s.Slots[1].ID); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("slot still present")
	}
	if _, err := store.GetSlot(ctx, s.Slots[0].ID); err != nil {
		t.Errorf("other slot removed: %v", err)
	}
}

func TestBulkEngine_CancelsBoundAppointments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
	bulk, sink := newBulk(store)
	a := bookedAppointment(t, store, s.Slots[0].ID)

	res, err := bulk.DeleteSlotsByID(ctx, s.ID, []uuid.UUID{s.Slots[0].ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Slots != 1 || res.Appointments != 1 {
		t.Errorf("result = %+v", res)
	}

	got, _ := store.GetAppointment(ctx, a.ID)
	if got.Status != StatusCancelled || got.CancellationReason == nil || *got.CancellationReason != ReasonSlotDeleted {
		t.Errorf("appointment = %+v", got)
	}
	if got.StepCount != 2 {
		t.Errorf("step count = %d, want 2", got.StepCount)
	}

	var cancelled int
	for _, ev := range sink.got {
		if ev.Type == events.AppointmentCancelled && *ev.AppointmentID == a.ID {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancel events = %d, want 1", cancelled)
	}
}

func TestBulkEngine_StoreFailureKeepsScheduleAndAppointments(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	s := mustCreate(t, mem, newDaySchedule(uuid.New(), 2024, 6, 1))
	a := bookedAppointment(t, mem, s.Slots[0].ID)

	boom := errors.New("store down")
	bulk, sink := newBulk(failingDeleteStore{MemoryStore: mem, err: boom})

	if _, err := bulk.DeleteSchedulesByID(ctx, []uuid.UUID{s.ID}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := bulk.DeleteSlotsByID(ctx, s.ID, []uuid.UUID{s.Slots[0].ID}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}

	if _, err := mem.GetSchedule(ctx, s.ID); err != nil {
		t.Errorf("schedule removed despite failure: %v", err)
	}
	got, _ := mem.GetAppointment(ctx, a.ID)
	if got.Status != StatusBooked || got.SlotID == nil || *got.SlotID != s.Slots[0].ID {
		t.Errorf("appointment changed despite failure: %+v", got)
	}
	if sl, _ := mem.GetSlot(ctx, s.Slots[0].ID); !sl.HasAppointment(a.ID) {
		t.Errorf("slot lost its booking: %+v", sl)
	}
	if len(sink.got) != 0 {
		t.Errorf("events published for a failed delete: %v", sink.got)
	}
}

func TestBulkEngine_LockTimeoutIsBusy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
	locker := redisclient.NewLocalLocker(20 * time.Millisecond)
	bulk := NewBulkEngine(store, locker, time.UTC, nil, zerolog.Nop())

	held := make(chan struct{})
	release := make(chan struct{})
	go locker.WithLock(ctx, redisclient.ScheduleLockKey(s.ID), func(context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	if _, err := bulk.DeleteSchedulesByID(ctx, []uuid.UUID{s.ID}); !errors.Is(err, ErrScheduleBusy) {
		t.Errorf("schedule delete: expected ErrScheduleBusy, got %v", err)
	}
	if _, err := bulk.DeleteSlotsByID(ctx, s.ID, []uuid.UUID{s.Slots[0].ID}); !errors.Is(err, ErrScheduleBusy) {
		t.Errorf("slot delete: expected ErrScheduleBusy, got %v", err)
	}
	if _, err := store.GetSchedule(ctx, s.ID); err != nil {
		t.Errorf("schedule removed while locked: %v", err)
	}
}

// A bind racing a schedule deletion either lands before it, and the booked
// slot goes with the schedule, or finds the slot gone.
func TestBulkEngine_DeletionIsBarrierForBinds(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := NewMemoryStore()
		ctx := context.Background()
		s := mustCreate(t, store, newDaySchedule(uuid.New(), 2024, 6, 1))
		locker := redisclient.NewLocalLocker(time.Second)
		bulk := NewBulkEngine(store, locker, time.UTC, nil, zerolog.Nop())

		var wg sync.WaitGroup
		var bindErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			bindErr = locker.WithLock(ctx, redisclient.ScheduleLockKey(s.ID), func(ctx context.Context) error {
				_, err := store.BindAppointmentToSlot(ctx, s.Slots[0].ID, ref(), false)
				return err
			})
		}()
		go func() {
			defer wg.Done()
			bulk.DeleteSchedulesByID(ctx, []uuid.UUID{s.ID})
		}()
		wg.Wait()

		if bindErr != nil && !errors.Is(bindErr, ErrSlotNotFound) {
			t.Fatalf("unexpected bind error: %v", bindErr)
		}
		if _, err := store.GetSchedule(ctx, s.ID); !errors.Is(err, ErrScheduleNotFound) {
			t.Fatalf("schedule survived deletion")
		}
		if _, err := store.GetSlot(ctx, s.Slots[0].ID); !errors.Is(err, ErrSlotNotFound) {
			t.Fatalf("slot survived deletion")
		}
	}
}
