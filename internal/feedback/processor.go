// Package feedback turns a user's verdict on generated SQL into pattern
// store writes. It keeps no state of its own.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/observability"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

var (
	ErrInvalidSQL     = errors.New("feedback: sql rejected by validator")
	ErrUnknownVerdict = errors.New("feedback: unknown verdict")
	ErrMissingSQL     = errors.New("feedback: sql is required")
)

type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

func ParseVerdict(raw string) (Verdict, error) {
	switch Verdict(strings.ToLower(strings.TrimSpace(raw))) {
	case VerdictAccepted:
		return VerdictAccepted, nil
	case VerdictRejected:
		return VerdictRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVerdict, raw)
	}
}

// Event is one user verdict. SeedPatternID names the stored pattern that
// seeded generation, if any.
type Event struct {
	Verdict       Verdict   `json:"verdict"`
	SeedPatternID string    `json:"seed_pattern_id,omitempty"`
	CorrectedSQL  string    `json:"corrected_sql,omitempty"`
	At            time.Time `json:"at,omitempty"`
}

// Result reports the store writes Record performed.
type Result struct {
	Stored *patterns.Pattern `json:"stored,omitempty"`
	Seed   *patterns.Pattern `json:"seed,omitempty"`
}

type SQLValidator interface {
	Validate(sql string) sqlguard.Verdict
}

type Processor struct {
	store     patterns.Store
	validator SQLValidator
	logger    *slog.Logger
}

func NewProcessor(store patterns.Store, validator SQLValidator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Processor{store: store, validator: validator, logger: logger}
}

// Record applies ev to the store.
//
// Accepted: generatedSQL is validated and stored for (fp, question). When
// the seed pattern supplied exactly that SQL under another question, the seed
// is reinforced as well.
//
// Rejected without correction: the seed pattern, if any, is penalized and
// nothing new is stored.
//
// Rejected with correction: the corrected SQL is validated and stored for
// (fp, question) at a high score; a seed under another question is penalized.
func (p *Processor) Record(ctx context.Context, ev Event, question string, fp schema.Fingerprint, generatedSQL string) (Result, error) {
	result, err := p.record(ctx, ev, question, fp, generatedSQL)
	observability.ObserveFeedback(string(ev.Verdict), resultLabel(result, err))
	if err != nil {
		p.logger.WarnContext(ctx, "feedback not recorded",
			slog.String("verdict", string(ev.Verdict)),
			slog.String("fingerprint", fp.Short()),
			slog.Any("error", err),
		)
		return result, err
	}
	p.logger.InfoContext(ctx, "feedback recorded",
		slog.String("verdict", string(ev.Verdict)),
		slog.String("fingerprint", fp.Short()),
		slog.Bool("corrected", strings.TrimSpace(ev.CorrectedSQL) != ""),
		slog.Bool("stored", result.Stored != nil),
		slog.Bool("seed_updated", result.Seed != nil),
	)
	return result, nil
}

func (p *Processor) record(ctx context.Context, ev Event, question string, fp schema.Fingerprint, generatedSQL string) (Result, error) {
	var result Result
	switch ev.Verdict {
	case VerdictAccepted:
		sqlText, err := p.validated(generatedSQL)
		if err != nil {
			return result, err
		}
		seed, err := p.findSeed(ctx, fp, ev.SeedPatternID)
		if err != nil {
			return result, err
		}
		stored, err := p.store.Put(ctx, p.pattern(question, sqlText, fp, ev.At), patterns.OutcomeAccepted)
		if err != nil {
			return result, err
		}
		result.Stored = &stored
		if seed != nil && seed.QuestionKey != stored.QuestionKey && seed.SQL == sqlText {
			updated, err := p.store.Put(ctx, p.pattern(seed.Question, "", fp, ev.At), patterns.OutcomeAccepted)
			if err != nil {
				return result, err
			}
			result.Seed = &updated
		}
		return result, nil

	case VerdictRejected:
		seed, err := p.findSeed(ctx, fp, ev.SeedPatternID)
		if err != nil {
			return result, err
		}
		corrected := strings.TrimSpace(ev.CorrectedSQL)
		if corrected == "" {
			if seed == nil {
				return result, nil
			}
			updated, err := p.store.Put(ctx, p.pattern(seed.Question, "", fp, ev.At), patterns.OutcomeRejected)
			if err != nil {
				return result, err
			}
			result.Seed = &updated
			return result, nil
		}

		sqlText, err := p.validated(corrected)
		if err != nil {
			return result, err
		}
		stored, err := p.store.Put(ctx, p.pattern(question, sqlText, fp, ev.At), patterns.OutcomeCorrected)
		if err != nil {
			return result, err
		}
		result.Stored = &stored
		if seed != nil && seed.QuestionKey != stored.QuestionKey {
			updated, err := p.store.Put(ctx, p.pattern(seed.Question, "", fp, ev.At), patterns.OutcomeRejected)
			if err != nil {
				return result, err
			}
			result.Seed = &updated
		}
		return result, nil

	default:
		return result, fmt.Errorf("%w: %q", ErrUnknownVerdict, ev.Verdict)
	}
}

// validated returns the trimmed SQL when the validator accepts it.
func (p *Processor) validated(sqlText string) (string, error) {
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return "", ErrMissingSQL
	}
	verdict := p.validator.Validate(sqlText)
	observability.ObserveValidation(verdict.Accepted, string(verdict.Code))
	if err := verdict.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSQL, err)
	}
	return sqlText, nil
}

// findSeed looks the seed up under fp only, so an ID from another schema is
// treated as absent.
func (p *Processor) findSeed(ctx context.Context, fp schema.Fingerprint, id string) (*patterns.Pattern, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	candidates, err := p.store.Candidates(ctx, fp)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].ID == id {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (p *Processor) pattern(question, sqlText string, fp schema.Fingerprint, at time.Time) patterns.Pattern {
	return patterns.Pattern{Question: question, SQL: sqlText, Fingerprint: fp, LastUsedAt: at}
}

func resultLabel(result Result, err error) string {
	switch {
	case errors.Is(err, ErrInvalidSQL):
		return "invalid_sql"
	case errors.Is(err, patterns.ErrStoreUnavailable):
		return "store_unavailable"
	case err != nil:
		return "error"
	case result.Stored != nil:
		return "stored"
	case result.Seed != nil:
		return "penalized"
	default:
		return "ignored"
	}
}
