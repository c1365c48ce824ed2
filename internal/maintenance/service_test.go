package maintenance

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/storage"
)

var (
	salesFP = schema.Compute([]schema.Table{{Name: "sales", Columns: []schema.Column{{Name: "region", Type: "VARCHAR"}, {Name: "amount", Type: "DOUBLE"}}}})
	usersFP = schema.Compute([]schema.Table{{Name: "users", Columns: []schema.Column{{Name: "id", Type: "BIGINT"}}}})
	now     = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
)

func seedStore(t *testing.T) *patterns.MemoryStore {
	t.Helper()
	store := patterns.NewMemoryStore(patterns.Options{Clock: func() time.Time { return now }})
	seed := []patterns.Pattern{
		{Fingerprint: salesFP, Question: "total sales by region", SQL: "SELECT region, SUM(amount) FROM sales GROUP BY region", LastUsedAt: now.Add(-time.Hour)},
		{Fingerprint: salesFP, Question: "largest sale", SQL: "SELECT MAX(amount) FROM sales", LastUsedAt: now.Add(-90 * 24 * time.Hour)},
		{Fingerprint: usersFP, Question: "how many users", SQL: "SELECT COUNT(*) FROM users", LastUsedAt: now.Add(-60 * 24 * time.Hour)},
	}
	for _, p := range seed {
		if _, err := store.Put(context.Background(), p, patterns.OutcomeAccepted); err != nil {
			t.Fatalf("Put(%q) error = %v", p.Question, err)
		}
	}
	return store
}

func TestRunPruneOnceAppliesPolicyToEveryFingerprint(t *testing.T) {
	store := seedStore(t)
	svc := &Service{
		Store:  store,
		Config: Config{MaxAge: 30 * 24 * time.Hour},
		Clock:  func() time.Time { return now },
	}

	summary, err := svc.RunPruneOnce(context.Background(), "")
	if err != nil {
		t.Fatalf("RunPruneOnce() error = %v", err)
	}
	if summary.FingerprintsScanned != 2 || summary.PatternsRemoved != 2 || summary.Failures != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	remaining, err := store.Candidates(context.Background(), salesFP)
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(remaining) != 1 || remaining[0].Question != "total sales by region" {
		t.Fatalf("remaining = %+v", remaining)
	}
	fps, err := store.Fingerprints(context.Background())
	if err != nil {
		t.Fatalf("Fingerprints() error = %v", err)
	}
	if len(fps) != 1 || fps[0] != salesFP {
		t.Fatalf("fingerprints = %v", fps)
	}
}

func TestRunPruneOnceSingleFingerprint(t *testing.T) {
	store := seedStore(t)
	svc := &Service{
		Store:  store,
		Config: Config{MaxPatterns: 1},
		Clock:  func() time.Time { return now },
	}

	summary, err := svc.RunPruneOnce(context.Background(), salesFP)
	if err != nil {
		t.Fatalf("RunPruneOnce() error = %v", err)
	}
	if summary.FingerprintsScanned != 1 || summary.PatternsRemoved != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	users, err := store.Candidates(context.Background(), usersFP)
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("other fingerprint was pruned: %+v", users)
	}
}

func TestRunPruneOnceWithoutPolicyIsNoop(t *testing.T) {
	store := seedStore(t)
	svc := &Service{Store: store, Clock: func() time.Time { return now }}

	summary, err := svc.RunPruneOnce(context.Background(), "")
	if err != nil {
		t.Fatalf("RunPruneOnce() error = %v", err)
	}
	if summary != (PruneSummary{}) {
		t.Fatalf("summary = %+v", summary)
	}
	items, _ := store.Candidates(context.Background(), salesFP)
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
}

func TestRunPruneOnceRejectsInvalidFingerprint(t *testing.T) {
	svc := &Service{Store: seedStore(t), Config: Config{MaxPatterns: 1}}
	if _, err := svc.RunPruneOnce(context.Background(), "not-a-fingerprint"); err == nil {
		t.Fatal("expected error for invalid fingerprint")
	}
}

func TestRunPruneOnceReportsStoreFailures(t *testing.T) {
	svc := &Service{
		Store:  &failingStore{Store: seedStore(t), pruneErr: patterns.ErrStoreUnavailable},
		Config: Config{MaxPatterns: 1},
		Clock:  func() time.Time { return now },
	}
	summary, err := svc.RunPruneOnce(context.Background(), "")
	if err == nil {
		t.Fatal("expected prune error")
	}
	if summary.Failures != 2 {
		t.Fatalf("Failures = %d, want 2", summary.Failures)
	}
}

func TestRunExportOnceWritesReadableSnapshots(t *testing.T) {
	store := seedStore(t)
	objects := storage.NewMemoryStore()
	svc := &Service{
		Store:       store,
		ObjectStore: objects,
		Config:      Config{ExportPrefix: "exports"},
		Clock:       func() time.Time { return now },
	}

	summary, err := svc.RunExportOnce(context.Background(), "")
	if err != nil {
		t.Fatalf("RunExportOnce() error = %v", err)
	}
	if summary.FilesWritten != 2 || summary.PatternsExported != 3 || summary.BytesWritten <= 0 {
		t.Fatalf("summary = %+v", summary)
	}

	key, err := storage.BuildPatternExportPath("exports", salesFP.String(), now, 0)
	if err != nil {
		t.Fatalf("BuildPatternExportPath() error = %v", err)
	}
	decoded := readExport(t, objects, key)
	if len(decoded) != 2 {
		t.Fatalf("len(decoded) = %d", len(decoded))
	}
	want, _ := store.Candidates(context.Background(), salesFP)
	for i := range want {
		got := decoded[i]
		if got.ID != want[i].ID || got.SQL != want[i].SQL || got.Score != want[i].Score || got.Fingerprint != salesFP {
			t.Fatalf("decoded[%d] = %+v, want %+v", i, got, want[i])
		}
		if !got.LastUsedAt.Equal(want[i].LastUsedAt) {
			t.Fatalf("decoded[%d].LastUsedAt = %v, want %v", i, got.LastUsedAt, want[i].LastUsedAt)
		}
	}
}

func TestRunExportOnceKeepsNewestExports(t *testing.T) {
	store := seedStore(t)
	objects := storage.NewMemoryStore()
	clock := now
	svc := &Service{
		Store:       store,
		ObjectStore: objects,
		Config:      Config{ExportPrefix: "exports", KeepExports: 2},
		Clock:       func() time.Time { return clock },
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.RunExportOnce(context.Background(), salesFP); err != nil {
			t.Fatalf("RunExportOnce() run %d error = %v", i, err)
		}
	}
	clock = clock.Add(time.Minute)
	summary, err := svc.RunExportOnce(context.Background(), salesFP)
	if err != nil {
		t.Fatalf("RunExportOnce() error = %v", err)
	}
	if summary.ExportsDeleted != 1 {
		t.Fatalf("ExportsDeleted = %d, want 1", summary.ExportsDeleted)
	}

	prefix, _ := storage.BuildPatternExportPrefix("exports", salesFP.String())
	listed, err := objects.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed = %+v", listed)
	}
	if !strings.HasSuffix(listed[0].Key, "-00002.parquet") {
		t.Fatalf("oldest kept export = %q, want sequence 2", listed[0].Key)
	}
	latest, _ := storage.BuildPatternExportPath("exports", salesFP.String(), clock, 0)
	if listed[1].Key != latest {
		t.Fatalf("newest export = %q, want %q", listed[1].Key, latest)
	}
}

func TestRunExportOnceRequiresObjectStore(t *testing.T) {
	svc := &Service{Store: seedStore(t)}
	if _, err := svc.RunExportOnce(context.Background(), ""); err == nil {
		t.Fatal("expected error without object store")
	}
}

func TestRunExportOnceReportsCandidateFailures(t *testing.T) {
	svc := &Service{
		Store:       &failingStore{Store: seedStore(t), candidatesErr: patterns.ErrStoreUnavailable},
		ObjectStore: storage.NewMemoryStore(),
		Clock:       func() time.Time { return now },
	}
	summary, err := svc.RunExportOnce(context.Background(), "")
	if err == nil {
		t.Fatal("expected export error")
	}
	if summary.Failures != 2 || summary.FilesWritten != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	svc := &Service{Store: seedStore(t), Config: Config{PruneInterval: time.Millisecond, MaxPatterns: 10}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func readExport(t *testing.T, objects storage.ObjectStore, key string) []patterns.Pattern {
	t.Helper()
	reader, err := objects.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	defer func() { _ = reader.Close() }()
	payload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	decoded, err := DecodeExport(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("DecodeExport() error = %v", err)
	}
	return decoded
}

type failingStore struct {
	patterns.Store
	pruneErr      error
	candidatesErr error
}

func (f *failingStore) Prune(ctx context.Context, fp schema.Fingerprint, policy patterns.PrunePolicy) (int, error) {
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	return f.Store.Prune(ctx, fp, policy)
}

func (f *failingStore) Candidates(ctx context.Context, fp schema.Fingerprint) ([]patterns.Pattern, error) {
	if f.candidatesErr != nil {
		return nil, f.candidatesErr
	}
	return f.Store.Candidates(ctx, fp)
}
