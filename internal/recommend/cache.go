package recommend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedScoringClient keeps scoring responses per referral context for a short
// time. Stale entries are harmless since the recommender drops candidates
// whose slot is no longer free.
type CachedScoringClient struct {
	next  ScoringClient
	cache *expirable.LRU[string, []RecommendedSlot]
}

func NewCachedScoringClient(next ScoringClient, size int, ttl time.Duration) *CachedScoringClient {
	return &CachedScoringClient{
		next:  next,
		cache: expirable.NewLRU[string, []RecommendedSlot](size, nil, ttl),
	}
}

func (c *CachedScoringClient) Candidates(ctx context.Context, req Request) ([]RecommendedSlot, error) {
	key, err := cacheKey(req)
	if err != nil {
		return c.next.Candidates(ctx, req)
	}

	if cached, ok := c.cache.Get(key); ok {
		return append([]RecommendedSlot(nil), cached...), nil
	}

	out, err := c.next.Candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	// empty answers are not cached so a recovering service is picked up at once
	if len(out) > 0 {
		c.cache.Add(key, append([]RecommendedSlot(nil), out...))
	}
	return out, nil
}

func cacheKey(req Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
