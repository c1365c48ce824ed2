// Package patterns holds learned question/SQL pairs and the storage contract
// that keeps them partitioned by schema fingerprint.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlrecall/sqlrecall/internal/schema"
)

var (
	ErrNotFound         = errors.New("patterns: not found")
	ErrStoreUnavailable = errors.New("patterns: store unavailable")
	ErrInvalidPattern   = errors.New("patterns: invalid pattern")
)

type Pattern struct {
	ID          string             `json:"id"`
	Question    string             `json:"question"`
	QuestionKey string             `json:"question_key"`
	SQL         string             `json:"sql"`
	Fingerprint schema.Fingerprint `json:"fingerprint"`
	Score       float64            `json:"score"`
	CreatedAt   time.Time          `json:"created_at"`
	LastUsedAt  time.Time          `json:"last_used_at"`
	UseCount    int64              `json:"use_count"`
}

// Store owns every Pattern record. Writes for one (fingerprint, question key)
// are serialized by the implementation; readers see whole records only.
type Store interface {
	// Put inserts or updates the pattern keyed by (p.Fingerprint,
	// QuestionKey(p.Question)). An update keeps ID and CreatedAt, increments
	// UseCount and moves Score with NextScore. Rejections keep the stored SQL.
	Put(ctx context.Context, p Pattern, outcome Outcome) (Pattern, error)
	// Candidates returns every pattern for fp, empty when there are none.
	Candidates(ctx context.Context, fp schema.Fingerprint) ([]Pattern, error)
	Prune(ctx context.Context, fp schema.Fingerprint, policy PrunePolicy) (int, error)
	Fingerprints(ctx context.Context) ([]schema.Fingerprint, error)
}

// PrunePolicy selects patterns to remove. A pattern is removed when it was
// last used before LastUsedBefore, or scores below MinScore, or falls outside
// the best MaxPatterns by ranking order. Zero fields are ignored.
type PrunePolicy struct {
	LastUsedBefore time.Time
	MinScore       float64
	MaxPatterns    int
}

func (p PrunePolicy) IsZero() bool {
	return p.LastUsedBefore.IsZero() && p.MinScore <= 0 && p.MaxPatterns <= 0
}

// Prepare validates p for writing and fills derived fields.
func Prepare(p Pattern, now time.Time) (Pattern, error) {
	if !p.Fingerprint.Valid() {
		return Pattern{}, fmt.Errorf("%w: fingerprint %q", ErrInvalidPattern, p.Fingerprint)
	}
	p.Question = strings.TrimSpace(p.Question)
	p.QuestionKey = QuestionKey(p.Question)
	if p.QuestionKey == "" {
		return Pattern{}, fmt.Errorf("%w: question is required", ErrInvalidPattern)
	}
	p.SQL = strings.TrimSpace(p.SQL)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.LastUsedAt.IsZero() {
		p.LastUsedAt = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.LastUsedAt
	}
	p.LastUsedAt = p.LastUsedAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// Less reports whether a ranks ahead of b when scores tie on relevance:
// higher score, then more recent use, then more uses, then question key and ID.
func Less(a, b Pattern) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.After(b.LastUsedAt)
	}
	if a.UseCount != b.UseCount {
		return a.UseCount > b.UseCount
	}
	if a.QuestionKey != b.QuestionKey {
		return a.QuestionKey < b.QuestionKey
	}
	return a.ID < b.ID
}
