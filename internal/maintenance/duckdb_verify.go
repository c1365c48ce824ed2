package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// countParquetRows reads path back through DuckDB so an export is only
// uploaded once an independent reader agrees on its row count.
func countParquetRows(ctx context.Context, path string) (int64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, fmt.Errorf("parquet path is required")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	var recordCount int64
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet(%s)`, quoteString(path))
	if err := db.QueryRowContext(ctx, countSQL).Scan(&recordCount); err != nil {
		return 0, fmt.Errorf("count parquet rows: %w", err)
	}
	return recordCount, nil
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
