package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

var salesFP = schema.Compute([]schema.Table{{Name: "sales", Columns: []schema.Column{
	{Name: "region", Type: "VARCHAR"},
	{Name: "amount", Type: "DOUBLE"},
}}})

const regionSQL = "SELECT region, SUM(amount) FROM sales GROUP BY region"

func newProcessor(t *testing.T) (*Processor, *patterns.MemoryStore) {
	t.Helper()
	store := patterns.NewMemoryStore(patterns.Options{Clock: func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}})
	return NewProcessor(store, sqlguard.New(sqlguard.Options{}), nil), store
}

func candidates(t *testing.T, store patterns.Store) []patterns.Pattern {
	t.Helper()
	got, err := store.Candidates(context.Background(), salesFP)
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	return got
}

func TestRecordAcceptedStoresPattern(t *testing.T) {
	p, store := newProcessor(t)

	result, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "total sales by region", salesFP, regionSQL)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Stored == nil || result.Stored.SQL != regionSQL {
		t.Fatalf("Record() result = %+v", result)
	}

	first := result.Stored.Score
	result, err = p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "Total sales by region?", salesFP, regionSQL)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Stored.Score <= first || result.Stored.UseCount != 2 {
		t.Fatalf("second acceptance = %+v", result.Stored)
	}
	if got := candidates(t, store); len(got) != 1 {
		t.Fatalf("len(candidates) = %d", len(got))
	}
}

func TestRecordAcceptedValidatesSQL(t *testing.T) {
	p, store := newProcessor(t)

	_, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "drop everything", salesFP, "DROP TABLE sales")
	if !errors.Is(err, ErrInvalidSQL) || !errors.Is(err, sqlguard.ErrRejected) {
		t.Fatalf("Record() error = %v, want ErrInvalidSQL wrapping ErrRejected", err)
	}
	if got := candidates(t, store); len(got) != 0 {
		t.Fatalf("rejected SQL was stored: %+v", got)
	}

	if _, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "q", salesFP, "  "); !errors.Is(err, ErrMissingSQL) {
		t.Fatalf("Record(empty sql) error = %v", err)
	}
}

func TestRecordRejectedWithoutCorrectionPenalizesSeedOnly(t *testing.T) {
	p, store := newProcessor(t)
	seed, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "total sales by region", salesFP, regionSQL)
	if err != nil {
		t.Fatalf("seed Record() error = %v", err)
	}

	result, err := p.Record(context.Background(), Event{Verdict: VerdictRejected, SeedPatternID: seed.Stored.ID},
		"total sales per region", salesFP, "SELECT region FROM sales")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Stored != nil {
		t.Fatalf("rejection stored a pattern: %+v", result.Stored)
	}
	if result.Seed == nil || result.Seed.Score >= seed.Stored.Score {
		t.Fatalf("seed not penalized: %+v", result.Seed)
	}

	got := candidates(t, store)
	if len(got) != 1 || got[0].SQL != regionSQL {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestRecordRejectedWithoutSeedIsNoop(t *testing.T) {
	p, store := newProcessor(t)

	result, err := p.Record(context.Background(), Event{Verdict: VerdictRejected}, "total sales", salesFP, "SELECT 1")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Stored != nil || result.Seed != nil {
		t.Fatalf("Record() = %+v", result)
	}
	if got := candidates(t, store); len(got) != 0 {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestRecordCorrectionSupersedesGeneration(t *testing.T) {
	p, store := newProcessor(t)
	seed, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "sales by region", salesFP, "SELECT region, COUNT(*) FROM sales GROUP BY region")
	if err != nil {
		t.Fatalf("seed Record() error = %v", err)
	}

	result, err := p.Record(context.Background(), Event{
		Verdict:       VerdictRejected,
		SeedPatternID: seed.Stored.ID,
		CorrectedSQL:  regionSQL,
	}, "total sales by region", salesFP, "SELECT region, COUNT(*) FROM sales GROUP BY region")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Stored == nil || result.Stored.SQL != regionSQL || result.Stored.Score != patterns.CorrectionScore {
		t.Fatalf("corrected pattern = %+v", result.Stored)
	}
	if result.Seed == nil || result.Seed.Score >= seed.Stored.Score {
		t.Fatalf("seed not penalized: %+v", result.Seed)
	}

	got := candidates(t, store)
	if len(got) != 2 || got[0].ID != result.Stored.ID {
		t.Fatalf("corrected pattern does not rank first: %+v", got)
	}
}

func TestRecordCorrectionIsValidated(t *testing.T) {
	p, store := newProcessor(t)

	_, err := p.Record(context.Background(), Event{Verdict: VerdictRejected, CorrectedSQL: "DELETE FROM sales"}, "q", salesFP, "SELECT 1")
	if !errors.Is(err, ErrInvalidSQL) {
		t.Fatalf("Record() error = %v, want ErrInvalidSQL", err)
	}
	if got := candidates(t, store); len(got) != 0 {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestRecordAcceptedReinforcesReusedSeed(t *testing.T) {
	p, _ := newProcessor(t)
	seed, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "total sales by region", salesFP, regionSQL)
	if err != nil {
		t.Fatalf("seed Record() error = %v", err)
	}

	result, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted, SeedPatternID: seed.Stored.ID}, "revenue per region", salesFP, regionSQL)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if result.Seed == nil || result.Seed.UseCount != 2 || result.Seed.Score <= seed.Stored.Score {
		t.Fatalf("seed not reinforced: %+v", result.Seed)
	}
}

func TestRecordUnknownVerdict(t *testing.T) {
	p, _ := newProcessor(t)
	if _, err := p.Record(context.Background(), Event{Verdict: "maybe"}, "q", salesFP, "SELECT 1"); !errors.Is(err, ErrUnknownVerdict) {
		t.Fatalf("Record() error = %v", err)
	}
}

type unavailableStore struct {
	patterns.Store
}

func (unavailableStore) Put(context.Context, patterns.Pattern, patterns.Outcome) (patterns.Pattern, error) {
	return patterns.Pattern{}, patterns.ErrStoreUnavailable
}

func TestRecordReportsStoreFailure(t *testing.T) {
	p := NewProcessor(unavailableStore{}, sqlguard.New(sqlguard.Options{}), nil)
	_, err := p.Record(context.Background(), Event{Verdict: VerdictAccepted}, "total sales", salesFP, "SELECT SUM(amount) FROM sales")
	if !errors.Is(err, patterns.ErrStoreUnavailable) {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestParseVerdict(t *testing.T) {
	if v, err := ParseVerdict(" Accepted "); err != nil || v != VerdictAccepted {
		t.Fatalf("ParseVerdict() = %q, %v", v, err)
	}
	if _, err := ParseVerdict("meh"); !errors.Is(err, ErrUnknownVerdict) {
		t.Fatalf("ParseVerdict(meh) error = %v", err)
	}
}
