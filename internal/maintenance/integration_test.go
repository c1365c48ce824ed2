//go:build integration

package maintenance

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sqlrecall/sqlrecall/internal/migrations"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	patternspostgres "github.com/sqlrecall/sqlrecall/internal/patterns/postgres"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/storage"
	s3store "github.com/sqlrecall/sqlrecall/internal/storage/s3"
)

func TestPruneAndExportAgainstPostgresAndMinIO(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("SQLRECALL_TEST_POSTGRES_DSN"))
	if adminDSN == "" {
		t.Skip("SQLRECALL_TEST_POSTGRES_DSN is not set")
	}
	if strings.TrimSpace(os.Getenv("SQLRECALL_TEST_S3_ENDPOINT")) == "" {
		t.Skip("SQLRECALL_TEST_S3_ENDPOINT is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN, "maintenance")
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	clock := time.Now().UTC().Truncate(time.Microsecond)
	store := patternspostgres.NewStore(db, patterns.Options{Clock: func() time.Time { return clock }})
	fp := schema.Compute([]schema.Table{{Name: "orders", Columns: []schema.Column{{Name: "id", Type: "BIGINT"}, {Name: "total", Type: "DOUBLE"}}}})
	seed := []patterns.Pattern{
		{Fingerprint: fp, Question: "order count", SQL: "SELECT COUNT(*) FROM orders", LastUsedAt: clock},
		{Fingerprint: fp, Question: "average order total", SQL: "SELECT AVG(total) FROM orders", LastUsedAt: clock.Add(-72 * time.Hour)},
	}
	for _, p := range seed {
		if _, err := store.Put(ctx, p, patterns.OutcomeAccepted); err != nil {
			t.Fatalf("Put(%q) error = %v", p.Question, err)
		}
	}

	objects := newTestObjectStore(t, ctx, "maintenance")
	svc := &Service{
		Store:       store,
		ObjectStore: objects,
		Config:      Config{MaxAge: 24 * time.Hour, ExportPrefix: "exports", KeepExports: 1},
		Clock:       func() time.Time { return clock },
	}

	pruned, err := svc.RunPruneOnce(ctx, "")
	if err != nil {
		t.Fatalf("RunPruneOnce() error = %v", err)
	}
	if pruned.PatternsRemoved != 1 {
		t.Fatalf("PatternsRemoved = %d, want 1", pruned.PatternsRemoved)
	}

	exported, err := svc.RunExportOnce(ctx, fp)
	if err != nil {
		t.Fatalf("RunExportOnce() error = %v", err)
	}
	if exported.FilesWritten != 1 || exported.PatternsExported != 1 {
		t.Fatalf("export summary = %+v", exported)
	}

	key, err := storage.BuildPatternExportPath("exports", fp.String(), clock, 0)
	if err != nil {
		t.Fatalf("BuildPatternExportPath() error = %v", err)
	}
	reader, err := objects.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	payload, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	decoded, err := DecodeExport(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("DecodeExport() error = %v", err)
	}
	if len(decoded) != 1 || decoded[0].QuestionKey != "order count" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func newTestObjectStore(t *testing.T, ctx context.Context, prefix string) *s3store.Store {
	t.Helper()
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         envOr("SQLRECALL_TEST_S3_ENDPOINT", "localhost:9000"),
		Region:           envOr("SQLRECALL_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("SQLRECALL_TEST_S3_BUCKET", "sqlrecall-it"),
		AccessKeyID:      envOr("SQLRECALL_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("SQLRECALL_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano()),
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("s3store.New() error = %v", err)
	}
	return store
}

func createTemporaryDatabase(t *testing.T, adminDSN, prefix string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("sqlrecall_it_%s_%d", prefix, time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	testDSN := testURL.String()

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testDSN, cleanup
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
