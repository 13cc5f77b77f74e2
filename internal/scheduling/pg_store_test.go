package scheduling

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/practitioner-availability/internal/db"
)

// newPgStore connects to the database named by POSTGRES_DSN and applies the
// migrations. Tests using it are skipped when the variable is unset.
func newPgStore(t *testing.T) (*PgStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPgStore(pool), pool
}

func newPgAppointment(t *testing.T, store *PgStore, practitionerID uuid.UUID) *Appointment {
	t.Helper()
	a := &Appointment{PatientID: uuid.New(), PractitionerID: practitionerID}
	if err := store.CreateAppointment(context.Background(), a); err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return a
}

func TestPgStore_ConcurrentBindSingleWinner(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2031, 3, 4))
	slotID := s.Slots[0].ID

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, unavailable int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BindAppointmentToSlot(ctx, slotID, ref(), false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSlotUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || unavailable != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, ok, unavailable)
	}
	sl, err := store.GetSlot(ctx, slotID)
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if sl.Status != SlotBooked || sl.Overbooked || len(sl.Appointments) != 1 || sl.Version != 2 {
		t.Errorf("slot = %+v", sl)
	}
}

func TestPgStore_DeleteSchedulesCancelsAndCascades(t *testing.T) {
	store, pool := newPgStore(t)
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2031, 3, 5))

	a := newPgAppointment(t, store, s.PractitionerID)
	if _, _, err := store.BookAppointment(ctx, a.ID, s.Slots[0].ID, false); err != nil {
		t.Fatalf("book: %v", err)
	}

	res, err := store.DeleteSchedules(ctx, []uuid.UUID{s.ID, uuid.New()}, ReasonSlotDeleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Schedules != 1 || res.Slots != 2 || len(res.Cancelled) != 1 || res.Cancelled[0].ID != a.ID {
		t.Fatalf("result = %+v", res)
	}

	if _, err := store.GetSchedule(ctx, s.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
	var slots, links int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM slots WHERE schedule_id = $1`, s.ID).Scan(&slots); err != nil {
		t.Fatalf("count slots: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM slot_appointments WHERE appointment_id = $1`, a.ID).Scan(&links); err != nil {
		t.Fatalf("count slot appointments: %v", err)
	}
	if slots != 0 || links != 0 {
		t.Errorf("rows left behind: %d slots, %d links", slots, links)
	}

	got, err := store.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if got.Status != StatusCancelled || got.StepCount != 2 || got.CancellationReason == nil || *got.CancellationReason != ReasonSlotDeleted {
		t.Errorf("appointment = %+v", got)
	}

	res, err = store.DeleteSchedules(ctx, []uuid.UUID{s.ID}, ReasonSlotDeleted)
	if err != nil || res.Schedules != 0 || res.Slots != 0 || len(res.Cancelled) != 0 {
		t.Errorf("second delete: %+v, %v", res, err)
	}
}

func TestPgStore_DeleteSlotsKeepsOthers(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2031, 3, 6))

	gone := newPgAppointment(t, store, s.PractitionerID)
	kept := newPgAppointment(t, store, s.PractitionerID)
	store.BookAppointment(ctx, gone.ID, s.Slots[0].ID, false)
	store.BookAppointment(ctx, kept.ID, s.Slots[1].ID, false)

	res, err := store.DeleteSlots(ctx, s.ID, []uuid.UUID{s.Slots[0].ID}, ReasonSlotDeleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Slots != 1 || len(res.Cancelled) != 1 || res.Cancelled[0].ID != gone.ID {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := store.GetAppointment(ctx, kept.ID); got.Status != StatusBooked {
		t.Errorf("appointment on a kept slot changed: %s", got.Status)
	}
	if sl, err := store.GetSlot(ctx, s.Slots[1].ID); err != nil || !sl.HasAppointment(kept.ID) {
		t.Errorf("kept slot = %+v, %v", sl, err)
	}
}

func TestPgStore_BookAppointmentIsAtomic(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2031, 3, 7))

	first := newPgAppointment(t, store, s.PractitionerID)
	booked, slot, err := store.BookAppointment(ctx, first.ID, s.Slots[0].ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if booked.Status != StatusBooked || booked.StepCount != 1 || slot.Status != SlotBooked {
		t.Errorf("booked = %+v, slot = %+v", booked, slot)
	}

	second := newPgAppointment(t, store, s.PractitionerID)
	if _, _, err := store.BookAppointment(ctx, second.ID, s.Slots[0].ID, false); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	got, _ := store.GetAppointment(ctx, second.ID)
	if got.Status != StatusPending || got.SlotID != nil || got.StepCount != 0 {
		t.Errorf("rejected appointment changed: %+v", got)
	}
}

func TestPgStore_CreateScheduleRejectsExistingID(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()
	s := mustCreate(t, store, newDaySchedule(uuid.New(), 2031, 3, 8))

	dup := newDaySchedule(uuid.New(), 2031, 3, 9)
	dup.ID = s.ID
	if err := store.CreateSchedule(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetSchedule(ctx, s.ID)
	if err != nil || got.PractitionerID != s.PractitionerID {
		t.Errorf("original schedule changed: %+v, %v", got, err)
	}
}
