package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// DateRange is an inclusive calendar filter. A nil bound is open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Normalize widens the bounds to whole days in loc: From to 00:00:00.000 and
// To to 23:59:59.999.
func (r DateRange) Normalize(loc *time.Location) DateRange {
	var out DateRange
	if r.From != nil {
		from := startOfDay(*r.From, loc)
		out.From = &from
	}
	if r.To != nil {
		to := startOfDay(*r.To, loc).AddDate(0, 0, 1).Add(-time.Millisecond)
		out.To = &to
	}
	return out
}

// Contains reports whether the calendar day of t (in loc) is inside the range.
func (r DateRange) Contains(t time.Time, loc *time.Location) bool {
	n := r.Normalize(loc)
	day := startOfDay(t, loc)
	if n.From != nil && day.Before(*n.From) {
		return false
	}
	if n.To != nil && day.After(*n.To) {
		return false
	}
	return true
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// FilterSchedules keeps schedules whose planning start falls on a day inside r.
func FilterSchedules(schedules []Schedule, r DateRange, loc *time.Location) []Schedule {
	return lo.Filter(schedules, func(s Schedule, _ int) bool {
		return r.Contains(s.PlanningStart, loc)
	})
}

// CountFree counts slots that are not overbooked. A booked slot with a single
// reservation still counts as available here.
func CountFree(schedules []Schedule) int {
	return lo.SumBy(schedules, func(s Schedule) int {
		return lo.CountBy(s.Slots, func(sl Slot) bool { return !sl.Overbooked })
	})
}

// CountOverbooked counts slots carrying a forced second reservation.
func CountOverbooked(schedules []Schedule) int {
	return lo.SumBy(schedules, func(s Schedule) int {
		return lo.CountBy(s.Slots, func(sl Slot) bool { return sl.Overbooked })
	})
}

// CountOpen counts slots whose status is still free.
func CountOpen(schedules []Schedule) int {
	return lo.SumBy(schedules, func(s Schedule) int {
		return lo.CountBy(s.Slots, func(sl Slot) bool { return sl.Status == SlotFree })
	})
}

// OpenSlot is a free slot together with the practitioner who owns it.
type OpenSlot struct {
	Slot
	PractitionerID uuid.UUID `json:"practitioner_id"`
}

// FreeSlots flattens every slot with status free, in schedule then start order.
func FreeSlots(schedules []Schedule) []OpenSlot {
	return lo.FlatMap(schedules, func(s Schedule, _ int) []OpenSlot {
		free := lo.Filter(s.Slots, func(sl Slot, _ int) bool { return sl.Status == SlotFree })
		return lo.Map(free, func(sl Slot, _ int) OpenSlot {
			return OpenSlot{Slot: sl, PractitionerID: s.PractitionerID}
		})
	})
}

// Summary is the availability view for one practitioner and date range.
type Summary struct {
	Schedules  []Schedule `json:"schedules"`
	Free       int        `json:"free"`
	Overbooked int        `json:"overbooked"`
	Open       int        `json:"open"`
}

// QueryEngine answers availability reads. It holds no selection state; the
// practitioner and range are passed on every call.
type QueryEngine struct {
	store Store
	loc   *time.Location
}

func NewQueryEngine(store Store, loc *time.Location) *QueryEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &QueryEngine{store: store, loc: loc}
}

func (q *QueryEngine) Location() *time.Location {
	return q.loc
}

// Schedules returns the practitioner's schedules inside r, ascending by planning start.
func (q *QueryEngine) Schedules(ctx context.Context, practitionerID uuid.UUID, r DateRange) ([]Schedule, error) {
	all, err := q.store.ListSchedulesByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return FilterSchedules(all, r, q.loc), nil
}

// Availability returns the matching schedules with their aggregate counts.
func (q *QueryEngine) Availability(ctx context.Context, practitionerID uuid.UUID, r DateRange) (Summary, error) {
	schedules, err := q.Schedules(ctx, practitionerID, r)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Schedules:  schedules,
		Free:       CountFree(schedules),
		Overbooked: CountOverbooked(schedules),
		Open:       CountOpen(schedules),
	}, nil
}
