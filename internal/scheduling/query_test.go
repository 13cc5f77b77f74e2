package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func ptr(t time.Time) *time.Time { return &t }

func TestDateRange_Normalize(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	r := DateRange{
		From: ptr(time.Date(2024, 6, 1, 15, 4, 5, 0, loc)),
		To:   ptr(time.Date(2024, 6, 2, 1, 0, 0, 0, loc)),
	}.Normalize(loc)

	if want := time.Date(2024, 6, 1, 0, 0, 0, 0, loc); !r.From.Equal(want) {
		t.Errorf("from = %v, want %v", r.From, want)
	}
	if want := time.Date(2024, 6, 2, 23, 59, 59, 999000000, loc); !r.To.Equal(want) {
		t.Errorf("to = %v, want %v", r.To, want)
	}
}

func TestFilterSchedules(t *testing.T) {
	practitioner := uuid.New()
	var all []Schedule
	for d := 1; d <= 5; d++ {
		all = append(all, *newDaySchedule(practitioner, 2024, 6, d))
	}

	tests := []struct {
		name string
		r    DateRange
		days []int
	}{
		{"no bounds", DateRange{}, []int{1, 2, 3, 4, 5}},
		{"from only", DateRange{From: ptr(day(2024, 6, 4, 0, 0))}, []int{4, 5}},
		{"to only", DateRange{To: ptr(day(2024, 6, 2, 0, 0))}, []int{1, 2}},
		{"single day", DateRange{From: ptr(day(2024, 6, 3, 0, 0)), To: ptr(day(2024, 6, 3, 0, 0))}, []int{3}},
		{"times are ignored", DateRange{From: ptr(day(2024, 6, 2, 23, 0)), To: ptr(day(2024, 6, 3, 1, 0))}, []int{2, 3}},
		{"empty window", DateRange{From: ptr(day(2024, 7, 1, 0, 0))}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterSchedules(all, tt.r, time.UTC)
			if len(got) != len(tt.days) {
				t.Fatalf("expected %d schedules, got %d", len(tt.days), len(got))
			}
			for i, d := range tt.days {
				if got[i].PlanningStart.Day() != d {
					t.Errorf("position %d: day %d, want %d", i, got[i].PlanningStart.Day(), d)
				}
			}
		})
	}
}

func TestFilterSchedules_UsesLocalDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:00 UTC on June 1 is already June 2 at UTC+3.
	s := Schedule{PlanningStart: day(2024, 6, 1, 22, 0), PlanningEnd: day(2024, 6, 1, 23, 0)}
	d := time.Date(2024, 6, 2, 0, 0, 0, 0, loc)

	got := FilterSchedules([]Schedule{s}, DateRange{From: &d, To: &d}, loc)
	if len(got) != 1 {
		t.Errorf("expected the schedule to fall on the local day")
	}
}

func TestAvailability_BindScenario(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	practitioner := uuid.New()
	s := mustCreate(t, store, newDaySchedule(practitioner, 2024, 6, 1))
	first := s.Slots[0].ID // 08:00 after ordering

	q := NewQueryEngine(store, time.UTC)

	if _, err := store.BindAppointmentToSlot(ctx, first, ref(), false); err != nil {
		t.Fatalf("bind A: %v", err)
	}
	sum, err := q.Availability(ctx, practitioner, DateRange{})
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if sum.Open != 1 || sum.Overbooked != 0 {
		t.Errorf("after A: open=%d overbooked=%d", sum.Open, sum.Overbooked)
	}
	// A booked slot without a forced second booking still counts as available.
	if sum.Free != 2 {
		t.Errorf("after A: free=%d", sum.Free)
	}

	if _, err := store.BindAppointmentToSlot(ctx, first, ref(), true); err != nil {
		t.Fatalf("bind B: %v", err)
	}
	sum, _ = q.Availability(ctx, practitioner, DateRange{})
	if sum.Overbooked != 1 || sum.Free != 1 || sum.Open != 1 {
		t.Errorf("after B: free=%d open=%d overbooked=%d", sum.Free, sum.Open, sum.Overbooked)
	}
}

func TestFreeSlots(t *testing.T) {
	practitioner := uuid.New()
	s := *newDaySchedule(practitioner, 2024, 6, 1)
	s.Slots[0].Status = SlotBooked
	s.Slots[1].Status = SlotFree

	got := FreeSlots([]Schedule{s})
	if len(got) != 1 || got[0].ID != s.Slots[1].ID || got[0].PractitionerID != practitioner {
		t.Errorf("unexpected free slots: %+v", got)
	}
}
