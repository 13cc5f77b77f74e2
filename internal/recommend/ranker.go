package recommend

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyCandidateSet = errors.New("no candidate slots to rank")

// TopPickCount is how many leading entries are flagged as top picks.
const TopPickCount = 3

// RecommendedSlot is a candidate slot annotated by the predictive scoring
// service. It is derived per request and never stored.
type RecommendedSlot struct {
	SlotID            uuid.UUID `json:"slot_id"`
	ScheduleID        uuid.UUID `json:"schedule_id"`
	PractitionerID    uuid.UUID `json:"practitioner_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	RuleScore         float64   `json:"rule_score"`
	PredictedWaitTime float64   `json:"predicted_wait_time"` // minutes
	CancellationRisk  float64   `json:"cancellation_risk"`
	FinalScore        float64   `json:"final_score"`
	Reason            []string  `json:"reason"`
	TopPick           bool      `json:"top_pick"`
}

// Rank orders candidates by final score, highest first, with ties going to
// the earlier start, and flags the leading entries as top picks. Scores and
// reasons are passed through as given. The input slice is not modified.
func Rank(candidates []RecommendedSlot) ([]RecommendedSlot, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyCandidateSet
	}

	ranked := make([]RecommendedSlot, len(candidates))
	copy(ranked, candidates)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		return ranked[i].Start.Before(ranked[j].Start)
	})

	for i := range ranked {
		ranked[i].TopPick = i < TopPickCount
	}
	return ranked, nil
}
