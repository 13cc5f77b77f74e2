package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

type stubScoring struct {
	candidates []RecommendedSlot
	err        error
}

func (s *stubScoring) Candidates(context.Context, Request) ([]RecommendedSlot, error) {
	return s.candidates, s.err
}

func seedSchedule(t *testing.T, store *scheduling.MemoryStore, practitionerID uuid.UUID) *scheduling.Schedule {
	t.Helper()
	s := &scheduling.Schedule{
		PractitionerID: practitionerID,
		PlanningStart:  base,
		PlanningEnd:    base.Add(3 * time.Hour),
	}
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		s.Slots = append(s.Slots, scheduling.Slot{Start: start, End: start.Add(30 * time.Minute)})
	}
	if err := store.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func newRecommender(scoring ScoringClient, store *scheduling.MemoryStore) *Recommender {
	return NewRecommender(scoring, store, scheduling.NewQueryEngine(store, time.UTC), zerolog.Nop())
}

func TestRecommend_RanksScoredCandidates(t *testing.T) {
	store := scheduling.NewMemoryStore()
	practitioner := uuid.New()
	s := seedSchedule(t, store, practitioner)

	scoring := &stubScoring{candidates: []RecommendedSlot{
		{SlotID: s.Slots[0].ID, Start: s.Slots[0].Start, FinalScore: 0.2},
		{SlotID: s.Slots[1].ID, Start: s.Slots[1].Start, FinalScore: 0.9},
	}}

	res, err := newRecommender(scoring, store).Recommend(context.Background(), Request{PractitionerID: practitioner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fallback {
		t.Error("expected scored result, got fallback")
	}
	if len(res.Slots) != 2 || res.Slots[0].SlotID != s.Slots[1].ID {
		t.Errorf("unexpected order: %+v", res.Slots)
	}
}

func TestRecommend_DropsSlotsNoLongerFree(t *testing.T) {
	store := scheduling.NewMemoryStore()
	practitioner := uuid.New()
	s := seedSchedule(t, store, practitioner)

	ref := scheduling.AppointmentRef{AppointmentID: uuid.New(), PatientID: uuid.New()}
	if _, err := store.BindAppointmentToSlot(context.Background(), s.Slots[0].ID, ref, false); err != nil {
		t.Fatalf("bind: %v", err)
	}

	scoring := &stubScoring{candidates: []RecommendedSlot{
		{SlotID: s.Slots[0].ID, FinalScore: 0.9},
		{SlotID: s.Slots[2].ID, FinalScore: 0.5},
		{SlotID: uuid.New(), FinalScore: 0.7},
	}}

	res, err := newRecommender(scoring, store).Recommend(context.Background(), Request{PractitionerID: practitioner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Slots) != 1 || res.Slots[0].SlotID != s.Slots[2].ID {
		t.Errorf("expected only the free slot, got %+v", res.Slots)
	}
}

func TestRecommend_FallsBackWhenScoringFails(t *testing.T) {
	store := scheduling.NewMemoryStore()
	practitioner := uuid.New()
	s := seedSchedule(t, store, practitioner)

	scoring := &stubScoring{err: errors.New("connection refused")}

	res, err := newRecommender(scoring, store).Recommend(context.Background(), Request{PractitionerID: practitioner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback result")
	}
	if len(res.Slots) != len(s.Slots) {
		t.Fatalf("expected %d slots, got %d", len(s.Slots), len(res.Slots))
	}
	for i, sl := range res.Slots {
		if sl.SlotID != s.Slots[i].ID {
			t.Errorf("position %d: expected slots in start order", i)
		}
		if len(sl.Reason) != 1 || sl.Reason[0] != ReasonNoPrediction {
			t.Errorf("position %d: reason = %v", i, sl.Reason)
		}
	}
}

func TestRecommend_FallbackWithNoFreeSlots(t *testing.T) {
	store := scheduling.NewMemoryStore()

	res, err := newRecommender(nil, store).Recommend(context.Background(), Request{PractitionerID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Fallback || len(res.Slots) != 0 {
		t.Errorf("expected empty fallback, got %+v", res)
	}
}

func TestHTTPScoringClient_Candidates(t *testing.T) {
	slotID := uuid.New()
	practitioner := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/recommendations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.PractitionerID != practitioner {
			t.Errorf("practitioner_id = %s", req.PractitionerID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []RecommendedSlot{{SlotID: slotID, FinalScore: 1.2, Reason: []string{"preferred time"}}},
		})
	}))
	defer srv.Close()

	c := NewHTTPScoringClient(srv.URL, time.Second)
	got, err := c.Candidates(context.Background(), Request{PractitionerID: practitioner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].SlotID != slotID || got[0].FinalScore != 1.2 {
		t.Errorf("unexpected candidates: %+v", got)
	}
}

func TestHTTPScoringClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPScoringClient(srv.URL, time.Second)
	if _, err := c.Candidates(context.Background(), Request{}); err == nil {
		t.Error("expected error for non-200 response")
	}
}
