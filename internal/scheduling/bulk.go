package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hackgods/practitioner-availability/internal/events"
	redisclient "github.com/hackgods/practitioner-availability/internal/redis"
)

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func timeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	return TimeOfDay(t.Sub(startOfDay(t, loc)))
}

func (d TimeOfDay) String() string {
	dur := time.Duration(d)
	return fmt.Sprintf("%02d:%02d", int(dur.Hours()), int(dur.Minutes())%60)
}

// Result reports how much a bulk call removed. Repeating a call yields zeros.
type Result struct {
	Schedules    int `json:"schedules"`
	Slots        int `json:"slots"`
	Appointments int `json:"appointments"`
}

func (r *Result) add(o Result) {
	r.Schedules += o.Schedules
	r.Slots += o.Slots
	r.Appointments += o.Appointments
}

// ReasonSlotDeleted is recorded on appointments cancelled because their slot
// was deleted.
const ReasonSlotDeleted = "slot_deleted"

// BulkEngine performs administrative deletions. Every schedule it touches is
// modified under that schedule's lock, the same one bookings take, so a
// deletion never interleaves with a bind on the same schedule. Appointments
// bound to a deleted slot are cancelled by the store in the same commit.
type BulkEngine struct {
	store     Store
	locker    redisclient.Locker
	loc       *time.Location
	publisher events.Publisher
	log       zerolog.Logger
}

func NewBulkEngine(store Store, locker redisclient.Locker, loc *time.Location, publisher events.Publisher, logger zerolog.Logger) *BulkEngine {
	if loc == nil {
		loc = time.UTC
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &BulkEngine{
		store:     store,
		locker:    locker,
		loc:       loc,
		publisher: publisher,
		log:       logger.With().Str("component", "bulk").Logger(),
	}
}

// DeleteSchedulesByID removes the schedules and all their slots. Unknown ids
// are skipped.
func (b *BulkEngine) DeleteSchedulesByID(ctx context.Context, ids []uuid.UUID) (Result, error) {
	var total Result
	for _, id := range lo.Uniq(ids) {
		res, err := b.deleteSchedule(ctx, id)
		if err != nil {
			return total, err
		}
		total.add(res)
	}
	return total, nil
}

// DeleteSchedulesByDateRange removes the practitioner's schedules whose
// planning start falls on a day in [startDate, endDate].
func (b *BulkEngine) DeleteSchedulesByDateRange(ctx context.Context, practitionerID uuid.UUID, startDate, endDate time.Time) (Result, error) {
	all, err := b.store.ListSchedulesByPractitioner(ctx, practitionerID)
	if err != nil {
		return Result{}, fmt.Errorf("list schedules: %w", err)
	}

	matched := FilterSchedules(all, DateRange{From: &startDate, To: &endDate}, b.loc)
	ids := lo.Map(matched, func(s Schedule, _ int) uuid.UUID { return s.ID })

	return b.DeleteSchedulesByID(ctx, ids)
}

// DeleteSlotsByID removes the listed slots of one schedule. Unknown schedule
// or slot ids are skipped.
func (b *BulkEngine) DeleteSlotsByID(ctx context.Context, scheduleID uuid.UUID, slotIDs []uuid.UUID) (Result, error) {
	wanted := make(map[uuid.UUID]struct{}, len(slotIDs))
	for _, id := range slotIDs {
		wanted[id] = struct{}{}
	}
	return b.deleteSlots(ctx, scheduleID, func(sl Slot) bool {
		_, ok := wanted[sl.ID]
		return ok
	})
}

// DeleteSlotsByTimeRange removes the schedule's slots whose local start time
// is at or after from and before to. When from equals to, slots starting
// exactly then are removed.
func (b *BulkEngine) DeleteSlotsByTimeRange(ctx context.Context, scheduleID uuid.UUID, from, to TimeOfDay) (Result, error) {
	if to < from {
		return Result{}, fmt.Errorf("%w: time range end %s before start %s", ErrInvalidWindow, to, from)
	}
	return b.deleteSlots(ctx, scheduleID, func(sl Slot) bool {
		tod := timeOfDayOf(sl.Start, b.loc)
		if from == to {
			return tod == from
		}
		return tod >= from && tod < to
	})
}

func (b *BulkEngine) deleteSchedule(ctx context.Context, id uuid.UUID) (Result, error) {
	var del DeleteResult
	err := b.locker.WithLock(ctx, redisclient.ScheduleLockKey(id), func(ctx context.Context) error {
		var err error
		del, err = b.store.DeleteSchedules(ctx, []uuid.UUID{id}, ReasonSlotDeleted)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("delete schedule %s: %w", id, lockErr(err))
	}

	res := Result{Schedules: del.Schedules, Slots: del.Slots, Appointments: len(del.Cancelled)}
	if res.Schedules > 0 {
		b.log.Info().Str("schedule_id", id.String()).Int("slots", res.Slots).Int("appointments", res.Appointments).Msg("schedule deleted")
		b.emit(ctx, id, events.ScheduleDeleted, map[string]any{"slots": res.Slots, "appointments_cancelled": res.Appointments})
	}
	b.emitCancelled(ctx, id, del.Cancelled)
	return res, nil
}

func (b *BulkEngine) deleteSlots(ctx context.Context, scheduleID uuid.UUID, match func(Slot) bool) (Result, error) {
	var del DeleteResult
	err := b.locker.WithLock(ctx, redisclient.ScheduleLockKey(scheduleID), func(ctx context.Context) error {
		sched, err := b.store.GetSchedule(ctx, scheduleID)
		if errors.Is(err, ErrScheduleNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		doomed := lo.FilterMap(sched.Slots, func(sl Slot, _ int) (uuid.UUID, bool) {
			return sl.ID, match(sl)
		})
		if len(doomed) == 0 {
			return nil
		}

		del, err = b.store.DeleteSlots(ctx, scheduleID, doomed, ReasonSlotDeleted)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("delete slots of schedule %s: %w", scheduleID, lockErr(err))
	}

	res := Result{Slots: del.Slots, Appointments: len(del.Cancelled)}
	if res.Slots > 0 {
		b.log.Info().Str("schedule_id", scheduleID.String()).Int("slots", res.Slots).Int("appointments", res.Appointments).Msg("slots deleted")
		b.emit(ctx, scheduleID, events.SlotsDeleted, map[string]any{"slots": res.Slots, "appointments_cancelled": res.Appointments})
	}
	b.emitCancelled(ctx, scheduleID, del.Cancelled)
	return res, nil
}

// lockErr reports a lock wait timeout as a busy schedule.
func lockErr(err error) error {
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrScheduleBusy
	}
	return err
}

func (b *BulkEngine) emitCancelled(ctx context.Context, scheduleID uuid.UUID, cancelled []Appointment) {
	for _, a := range cancelled {
		apptID, schedID := a.ID, scheduleID
		payload := map[string]any{"to": string(StatusCancelled), "reason": ReasonSlotDeleted}
		if a.SlotID != nil {
			payload["slot_id"] = a.SlotID.String()
		}
		ev := events.Event{Type: events.AppointmentCancelled, AppointmentID: &apptID, ScheduleID: &schedID, Payload: payload, At: time.Now()}
		if err := b.publisher.Publish(ctx, ev); err != nil {
			b.log.Warn().Err(err).Str("appointment_id", apptID.String()).Msg("publish event failed")
		}
	}
}

func (b *BulkEngine) emit(ctx context.Context, scheduleID uuid.UUID, eventType string, payload map[string]any) {
	id := scheduleID
	ev := events.Event{Type: eventType, ScheduleID: &id, Payload: payload, At: time.Now()}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("event", eventType).Str("schedule_id", id.String()).Msg("publish event failed")
	}
}
