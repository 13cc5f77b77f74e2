package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

const ReasonNoPrediction = "no prediction available"

// Request is the referral context sent to the scoring service.
type Request struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	PractitionerID  uuid.UUID  `json:"practitioner_id"`
	ServiceCategory string     `json:"service_category,omitempty"`
	SpecialtyID     string     `json:"specialty_id,omitempty"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
}

// ScoringClient fetches scored candidate slots from the predictive service.
type ScoringClient interface {
	Candidates(ctx context.Context, req Request) ([]RecommendedSlot, error)
}

type HTTPScoringClient struct {
	client  *http.Client
	baseURL string
}

func NewHTTPScoringClient(baseURL string, timeout time.Duration) *HTTPScoringClient {
	return &HTTPScoringClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (c *HTTPScoringClient) Candidates(ctx context.Context, r Request) ([]RecommendedSlot, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recommendations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call scoring service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoring service: unexpected status code: %d", resp.StatusCode)
	}

	var out struct {
		Candidates []RecommendedSlot `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	return out.Candidates, nil
}

// Result is a ranked recommendation list. Fallback is set when the list came
// from plain availability because the scoring service had nothing usable.
type Result struct {
	Slots    []RecommendedSlot `json:"slots"`
	Fallback bool              `json:"fallback"`
}

// Recommender combines the scoring service with current slot state.
type Recommender struct {
	scoring ScoringClient
	store   scheduling.Store
	query   *scheduling.QueryEngine
	log     zerolog.Logger
}

// NewRecommender builds a recommender. A nil scoring client means every
// request is served from availability.
func NewRecommender(scoring ScoringClient, store scheduling.Store, query *scheduling.QueryEngine, logger zerolog.Logger) *Recommender {
	return &Recommender{
		scoring: scoring,
		store:   store,
		query:   query,
		log:     logger.With().Str("component", "recommend").Logger(),
	}
}

func (r *Recommender) Recommend(ctx context.Context, req Request) (Result, error) {
	candidates := r.fetch(ctx, req)

	ranked, err := Rank(r.stillFree(ctx, candidates))
	if err == nil {
		return Result{Slots: ranked}, nil
	}
	if !errors.Is(err, ErrEmptyCandidateSet) {
		return Result{}, err
	}

	fallback, err := r.fallback(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Slots: fallback, Fallback: true}, nil
}

func (r *Recommender) fetch(ctx context.Context, req Request) []RecommendedSlot {
	if r.scoring == nil {
		return nil
	}
	candidates, err := r.scoring.Candidates(ctx, req)
	if err != nil {
		r.log.Warn().Err(err).Str("practitioner_id", req.PractitionerID.String()).Msg("scoring service unavailable, using availability")
		return nil
	}
	return candidates
}

// stillFree drops candidates whose slot was deleted or booked after scoring.
func (r *Recommender) stillFree(ctx context.Context, candidates []RecommendedSlot) []RecommendedSlot {
	return lo.Filter(candidates, func(c RecommendedSlot, _ int) bool {
		sl, err := r.store.GetSlot(ctx, c.SlotID)
		return err == nil && sl.Status == scheduling.SlotFree
	})
}

func (r *Recommender) fallback(ctx context.Context, req Request) ([]RecommendedSlot, error) {
	schedules, err := r.query.Schedules(ctx, req.PractitionerID, scheduling.DateRange{From: req.From, To: req.To})
	if err != nil {
		return nil, err
	}

	free := scheduling.FreeSlots(schedules)
	slots := lo.Map(free, func(s scheduling.OpenSlot, _ int) RecommendedSlot {
		return RecommendedSlot{
			SlotID:         s.ID,
			ScheduleID:     s.ScheduleID,
			PractitionerID: s.PractitionerID,
			Start:          s.Start,
			End:            s.End,
			Reason:         []string{ReasonNoPrediction},
		}
	})
	if len(slots) == 0 {
		return []RecommendedSlot{}, nil
	}
	// All scores are zero, so ranking reduces to start order.
	return Rank(slots)
}
