// Package assist runs one question through the learning loop: fingerprint
// the dataset, retrieve learned patterns, reuse or generate SQL, validate it
// and optionally execute it.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sqlrecall/sqlrecall/internal/feedback"
	"github.com/sqlrecall/sqlrecall/internal/nl2sql"
	"github.com/sqlrecall/sqlrecall/internal/observability"
	"github.com/sqlrecall/sqlrecall/internal/query"
	"github.com/sqlrecall/sqlrecall/internal/retrieval"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

var (
	ErrInvalidRequest = errors.New("assist: invalid request")
	ErrNoSQL          = errors.New("assist: no learned pattern matches and no translator is configured")
	ErrNoEngine       = errors.New("assist: execution engine is not configured")
	ErrTranslation    = errors.New("assist: translation failed")
	ErrExecution      = errors.New("assist: query execution failed")
)

const (
	DefaultTopK           = 5
	DefaultReuseThreshold = 0.97
	DefaultSampleRows     = 3
)

type Source string

const (
	SourcePattern    Source = "pattern"
	SourceTranslator Source = "translator"
)

type Config struct {
	// TopK is how many matches are retrieved and offered as examples.
	TopK int
	// ReuseThreshold is the similarity at which a stored pattern's SQL is
	// reused without calling the translator.
	ReuseThreshold float64
	SampleRows     int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.ReuseThreshold <= 0 || c.ReuseThreshold > 1 {
		c.ReuseThreshold = DefaultReuseThreshold
	}
	if c.SampleRows < 0 {
		c.SampleRows = 0
	} else if c.SampleRows == 0 {
		c.SampleRows = DefaultSampleRows
	}
	return c
}

type AskRequest struct {
	Question string            `json:"question"`
	Tables   []schema.Table    `json:"tables,omitempty"`
	Files    []query.TableFile `json:"files,omitempty"`
	Execute  bool              `json:"execute,omitempty"`
}

type AskResult struct {
	Fingerprint   schema.Fingerprint `json:"fingerprint"`
	Source        Source             `json:"source,omitempty"`
	SQL           string             `json:"sql,omitempty"`
	SeedPatternID string             `json:"seed_pattern_id,omitempty"`
	Explanation   string             `json:"explanation,omitempty"`
	Matches       []retrieval.Match  `json:"matches"`
	Verdict       *sqlguard.Verdict  `json:"verdict,omitempty"`
	Result        *query.Result      `json:"result,omitempty"`
}

type FeedbackRequest struct {
	Question     string             `json:"question"`
	Fingerprint  schema.Fingerprint `json:"fingerprint,omitempty"`
	Tables       []schema.Table     `json:"tables,omitempty"`
	GeneratedSQL string             `json:"generated_sql"`
	Event        feedback.Event     `json:"event"`
}

type Service struct {
	retriever  *retrieval.Retriever
	processor  *feedback.Processor
	validator  *sqlguard.Validator
	translator nl2sql.Translator
	engine     query.Engine
	cfg        Config
	logger     *slog.Logger
}

// NewService wires the loop. translator and engine may be nil: without a
// translator only reusable patterns produce SQL, without an engine nothing
// is executed.
func NewService(retriever *retrieval.Retriever, processor *feedback.Processor, validator *sqlguard.Validator, translator nl2sql.Translator, engine query.Engine, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		retriever:  retriever,
		processor:  processor,
		validator:  validator,
		translator: translator,
		engine:     engine,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

func (s *Service) Validate(sqlText string) sqlguard.Verdict {
	verdict := s.validator.Validate(sqlText)
	observability.ObserveValidation(verdict.Accepted, string(verdict.Code))
	return verdict
}

func (s *Service) Retrieve(ctx context.Context, question string, fp schema.Fingerprint, k int) []retrieval.Match {
	if k <= 0 {
		k = s.cfg.TopK
	}
	return s.retriever.Retrieve(ctx, question, fp, k)
}

// Ask answers one question. A validator rejection is returned as an error
// wrapping sqlguard.ErrRejected, with the verdict set on the result.
func (s *Service) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AskResult{}, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if req.Execute && len(req.Files) == 0 {
		return AskResult{}, fmt.Errorf("%w: files are required to execute", ErrInvalidRequest)
	}

	tables, err := s.describe(ctx, req)
	if err != nil {
		return AskResult{}, err
	}
	schemas := make([]schema.Table, 0, len(tables))
	for _, table := range tables {
		schemas = append(schemas, schema.Table{Name: table.Name, Columns: table.Columns})
	}

	result := AskResult{Fingerprint: schema.Compute(schemas)}
	result.Matches = s.retriever.Retrieve(ctx, question, result.Fingerprint, s.cfg.TopK)

	switch {
	case len(result.Matches) > 0 && result.Matches[0].Similarity >= s.cfg.ReuseThreshold:
		top := result.Matches[0].Pattern
		result.Source = SourcePattern
		result.SQL = top.SQL
		result.SeedPatternID = top.ID
	case s.translator == nil:
		return result, ErrNoSQL
	default:
		examples := make([]nl2sql.Example, 0, len(result.Matches))
		for _, match := range result.Matches {
			examples = append(examples, nl2sql.Example{Question: match.Pattern.Question, SQL: match.Pattern.SQL})
		}
		translated, err := s.translator.Translate(ctx, nl2sql.Request{
			Question: question,
			Tables:   tables,
			Examples: nl2sql.CompactExamples(examples, nl2sql.MaxExamples),
		})
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrTranslation, err)
		}
		result.Source = SourceTranslator
		result.SQL = strings.TrimSpace(translated.SQL)
		result.Explanation = translated.Explanation
		if len(result.Matches) > 0 {
			result.SeedPatternID = result.Matches[0].Pattern.ID
		}
	}

	verdict := s.Validate(result.SQL)
	result.Verdict = &verdict
	if err := verdict.Err(); err != nil {
		s.logger.InfoContext(ctx, "generated sql rejected",
			slog.String("fingerprint", result.Fingerprint.Short()),
			slog.String("source", string(result.Source)),
			slog.String("code", string(verdict.Code)),
		)
		return result, err
	}
	result.SQL = verdict.NormalizedSQL

	s.logger.InfoContext(ctx, "question answered",
		slog.String("fingerprint", result.Fingerprint.Short()),
		slog.String("source", string(result.Source)),
		slog.Int("matches", len(result.Matches)),
	)

	if !req.Execute {
		return result, nil
	}
	if s.engine == nil {
		return result, ErrNoEngine
	}
	stmt, _ := verdict.Statement()
	executed, err := s.engine.Execute(ctx, query.Request{Statement: stmt, Files: req.Files})
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	result.Result = &executed
	return result, nil
}

// Feedback records a verdict against the dataset named by req.Tables, or by
// req.Fingerprint when no tables are given.
func (s *Service) Feedback(ctx context.Context, req FeedbackRequest) (feedback.Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return feedback.Result{}, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	fp := req.Fingerprint
	if len(req.Tables) > 0 {
		fp = schema.Compute(req.Tables)
	}
	if !fp.Valid() {
		return feedback.Result{}, fmt.Errorf("%w: tables or a valid fingerprint are required", ErrInvalidRequest)
	}
	return s.processor.Record(ctx, req.Event, req.Question, fp, req.GeneratedSQL)
}

// describe resolves the schema the question is asked against. Executing
// requests always describe their files so the fingerprint matches the data
// the statement runs on.
func (s *Service) describe(ctx context.Context, req AskRequest) ([]nl2sql.TableContext, error) {
	if len(req.Tables) > 0 && !req.Execute {
		out := make([]nl2sql.TableContext, 0, len(req.Tables))
		for _, table := range req.Tables {
			out = append(out, nl2sql.TableContext{Name: table.Name, Columns: table.Columns})
		}
		return out, nil
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: tables or files are required", ErrInvalidRequest)
	}
	if s.engine == nil {
		return nil, ErrNoEngine
	}
	described, err := s.engine.Describe(ctx, req.Files, s.cfg.SampleRows)
	if err != nil {
		return nil, fmt.Errorf("describe dataset: %w", err)
	}
	out := make([]nl2sql.TableContext, 0, len(described))
	for _, desc := range described {
		out = append(out, nl2sql.TableContext{Name: desc.Table.Name, Columns: desc.Table.Columns, SampleRows: desc.SampleRows})
	}
	return out, nil
}
