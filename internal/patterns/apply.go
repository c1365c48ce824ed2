package patterns

import (
	"fmt"
	"sort"
	"time"
)

type Options struct {
	LearningRate float64
	Clock        func() time.Time
}

func (o Options) Rate() float64 {
	if o.LearningRate <= 0 || o.LearningRate >= 1 {
		return DefaultLearningRate
	}
	return o.LearningRate
}

func (o Options) Now() time.Time {
	if o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}

// Apply computes the record stored after writing incoming with outcome on top
// of existing, which is nil when the key is new. Every Store uses it so the
// upsert rules live in one place.
func Apply(existing *Pattern, incoming Pattern, outcome Outcome, rate float64) (Pattern, error) {
	if existing == nil {
		if incoming.SQL == "" {
			return Pattern{}, fmt.Errorf("%w: sql is required for a new pattern", ErrInvalidPattern)
		}
		incoming.Score = InitialScore(outcome, rate)
		incoming.UseCount = 1
		return incoming, nil
	}

	next := *existing
	if outcome != OutcomeRejected && incoming.SQL != "" {
		next.SQL = incoming.SQL
	}
	next.Score = NextScore(existing.Score, outcome, rate)
	next.UseCount = existing.UseCount + 1
	if incoming.LastUsedAt.After(next.LastUsedAt) {
		next.LastUsedAt = incoming.LastUsedAt
	}
	return next, nil
}

// SelectForPrune returns the patterns policy removes from items.
func SelectForPrune(items []Pattern, policy PrunePolicy) []Pattern {
	if policy.IsZero() || len(items) == 0 {
		return nil
	}
	ranked := make([]Pattern, len(items))
	copy(ranked, items)
	sort.Slice(ranked, func(i, j int) bool { return Less(ranked[i], ranked[j]) })

	removed := make([]Pattern, 0)
	for i, p := range ranked {
		switch {
		case !policy.LastUsedBefore.IsZero() && p.LastUsedAt.Before(policy.LastUsedBefore):
		case policy.MinScore > 0 && p.Score < policy.MinScore:
		case policy.MaxPatterns > 0 && i >= policy.MaxPatterns:
		default:
			continue
		}
		removed = append(removed, p)
	}
	return removed
}
