// Package retrieval ranks stored patterns against a new question. Only
// patterns under the caller's schema fingerprint are ever considered.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/observability"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

const (
	DefaultThreshold       = 0.6
	DefaultMinOutcomeScore = 0.1
	DefaultPriorWeight     = 0.2
	DefaultRecencyHalfLife = 30 * 24 * time.Hour
)

type Config struct {
	// Threshold is the minimum similarity a candidate needs to be returned.
	Threshold float64
	// MinOutcomeScore hides patterns users have rejected down to this score.
	MinOutcomeScore float64
	// PriorWeight is the share of Rank taken by the score/recency/usage prior.
	PriorWeight     float64
	RecencyHalfLife time.Duration
	Clock           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.MinOutcomeScore <= 0 || c.MinOutcomeScore >= 1 {
		c.MinOutcomeScore = DefaultMinOutcomeScore
	}
	if c.PriorWeight <= 0 || c.PriorWeight >= 1 {
		c.PriorWeight = DefaultPriorWeight
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type Match struct {
	Pattern    patterns.Pattern `json:"pattern"`
	Similarity float64          `json:"similarity"`
	Rank       float64          `json:"rank"`
}

type Retriever struct {
	store  patterns.Store
	cfg    Config
	logger *slog.Logger
}

func New(store patterns.Store, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{store: store, cfg: cfg.withDefaults(), logger: logger}
}

func (r *Retriever) Threshold() float64 {
	return r.cfg.Threshold
}

// Retrieve returns at most k patterns for fp whose question is similar enough
// to question, best first. Order is Rank, then Similarity, then patterns.Less.
// A failing store yields an empty result; the failure is logged and counted.
func (r *Retriever) Retrieve(ctx context.Context, question string, fp schema.Fingerprint, k int) []Match {
	start := time.Now()
	matches := r.retrieve(ctx, question, fp, k)
	observability.ObserveRetrieval(len(matches), time.Since(start))
	return matches
}

// Best returns the top match, if any.
func (r *Retriever) Best(ctx context.Context, question string, fp schema.Fingerprint) (Match, bool) {
	matches := r.Retrieve(ctx, question, fp, 1)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

func (r *Retriever) retrieve(ctx context.Context, question string, fp schema.Fingerprint, k int) []Match {
	if k <= 0 || !fp.Valid() || patterns.QuestionKey(question) == "" {
		return []Match{}
	}
	candidates, err := r.store.Candidates(ctx, fp)
	if err != nil {
		observability.IncrementRetrievalStoreError()
		r.logger.WarnContext(ctx, "pattern retrieval degraded to empty",
			slog.String("fingerprint", fp.Short()),
			slog.Any("error", err),
		)
		return []Match{}
	}

	now := r.cfg.Clock()
	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Fingerprint != fp {
			continue
		}
		if candidate.Score < r.cfg.MinOutcomeScore {
			continue
		}
		similarity := Similarity(question, candidate.Question)
		if similarity < r.cfg.Threshold {
			continue
		}
		matches = append(matches, Match{
			Pattern:    candidate,
			Similarity: similarity,
			Rank:       similarity*(1-r.cfg.PriorWeight) + r.prior(candidate, now)*r.cfg.PriorWeight,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Rank != b.Rank {
			return a.Rank > b.Rank
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return patterns.Less(a.Pattern, b.Pattern)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// prior blends outcome score, recency of last use and use count into [0, 1].
func (r *Retriever) prior(p patterns.Pattern, now time.Time) float64 {
	age := now.Sub(p.LastUsedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Pow(0.5, float64(age)/float64(r.cfg.RecencyHalfLife))
	usage := float64(p.UseCount) / float64(p.UseCount+3)
	return 0.6*p.Score + 0.25*recency + 0.15*usage
}
