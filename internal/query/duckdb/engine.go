package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlrecall/sqlrecall/internal/query"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/storage"
)

// Engine runs validated statements in a throwaway in-memory DuckDB whose
// views read dataset files fetched from the object store.
type Engine struct {
	Store storage.ObjectStore
}

var _ query.Engine = (*Engine)(nil)

func NewEngine(store storage.ObjectStore) *Engine {
	return &Engine{Store: store}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if request.Statement.IsZero() {
		return query.Result{}, query.ErrUnvalidated
	}

	start := time.Now()
	ws, err := e.open(ctx, request.Files)
	if err != nil {
		return query.Result{}, err
	}
	defer ws.close()

	if err := verifyStatement(ctx, ws.db, request.Statement.SQL()); err != nil {
		return query.Result{}, err
	}

	rows, err := ws.db.QueryContext(ctx, request.Statement.SQL())
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := readRows(rows)
	if err != nil {
		return query.Result{}, err
	}

	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		ScannedFiles: len(request.Files),
		ScannedBytes: ws.scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

// Describe loads files and reports every table's columns and DuckDB types,
// plus up to sampleRows rows per table.
func (e *Engine) Describe(ctx context.Context, files []query.TableFile, sampleRows int) ([]query.TableDescription, error) {
	ws, err := e.open(ctx, files)
	if err != nil {
		return nil, err
	}
	defer ws.close()

	rows, err := ws.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("describe tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byName := map[string]*query.TableDescription{}
	order := make([]string, 0)
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		desc, ok := byName[tableName]
		if !ok {
			desc = &query.TableDescription{Table: schema.Table{Name: tableName}}
			byName[tableName] = desc
			order = append(order, tableName)
		}
		desc.Table.Columns = append(desc.Table.Columns, schema.Column{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	sort.Strings(order)
	out := make([]query.TableDescription, 0, len(order))
	for _, name := range order {
		desc := byName[name]
		if sampleRows > 0 {
			sample, err := ws.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdent(name), sampleRows))
			if err != nil {
				return nil, fmt.Errorf("sample table %q: %w", name, err)
			}
			_, desc.SampleRows, err = readRows(sample)
			_ = sample.Close()
			if err != nil {
				return nil, err
			}
		}
		out = append(out, *desc)
	}
	return out, nil
}

type workspace struct {
	dir          string
	db           *sql.DB
	scannedBytes int64
}

func (w *workspace) close() {
	if w.db != nil {
		_ = w.db.Close()
	}
	_ = os.RemoveAll(w.dir)
}

// open downloads files into a temp dir and creates one view per table.
func (e *Engine) open(ctx context.Context, files []query.TableFile) (*workspace, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no dataset files given")
	}
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}

	workDir, err := os.MkdirTemp("", "sqlrecall-query-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}
	ws := &workspace{dir: workDir}

	type tableSource struct {
		format query.Format
		paths  []string
	}
	tables := map[string]*tableSource{}
	for index, file := range files {
		if strings.TrimSpace(file.TableName) == "" {
			ws.close()
			return nil, fmt.Errorf("table name is required for %q", file.ObjectPath)
		}
		format, err := resolveFormat(file)
		if err != nil {
			ws.close()
			return nil, err
		}
		source, ok := tables[file.TableName]
		if !ok {
			source = &tableSource{format: format}
			tables[file.TableName] = source
		}
		if source.format != format {
			ws.close()
			return nil, fmt.Errorf("table %q mixes %s and %s files", file.TableName, source.format, format)
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.%s", sanitizeFileComponent(file.TableName), index, format))
		written, err := e.download(ctx, file.ObjectPath, localPath)
		if err != nil {
			ws.close()
			return nil, err
		}

		source.paths = append(source.paths, localPath)
		if file.FileSizeBytes > 0 {
			ws.scannedBytes += file.FileSizeBytes
		} else {
			ws.scannedBytes += written
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		ws.close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	ws.db = db

	for tableName, source := range tables {
		reader := "read_parquet"
		if source.format == query.FormatCSV {
			reader = "read_csv_auto"
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM %s(%s)`, quoteIdent(tableName), reader, quoteStringArray(source.paths))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			ws.close()
			return nil, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	if err := restrictFileAccess(ctx, db, workDir); err != nil {
		ws.close()
		return nil, err
	}
	return ws, nil
}

// download copies one object into the workspace and reports its size.
func (e *Engine) download(ctx context.Context, objectPath, localPath string) (int64, error) {
	reader, err := e.Store.Get(ctx, objectPath)
	if err != nil {
		return 0, fmt.Errorf("get object %q: %w", objectPath, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create local file %q: %w", localPath, err)
	}
	written, err := io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("copy object %q to %q: %w", objectPath, localPath, err)
	}
	return written, nil
}

// restrictFileAccess confines the instance to dir and freezes its settings,
// so statements can only read the workspace files behind the views.
func restrictFileAccess(ctx context.Context, db *sql.DB, dir string) error {
	allowed := []string{dir + string(filepath.Separator)}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil && resolved != dir {
		allowed = append(allowed, resolved+string(filepath.Separator))
	}
	settings := []string{
		"SET allowed_directories = " + quoteStringArray(allowed),
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	}
	for _, setting := range settings {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			return fmt.Errorf("restrict duckdb file access: %w", err)
		}
	}
	return nil
}

type serializedSQL struct {
	Error        bool              `json:"error"`
	ErrorType    string            `json:"error_type"`
	ErrorMessage string            `json:"error_message"`
	Statements   []json.RawMessage `json:"statements"`
}

// verifyStatement parses sqlText with DuckDB's own parser. json_serialize_sql
// only serializes SELECT statements, so anything else comes back as an error.
func verifyStatement(ctx context.Context, db *sql.DB, sqlText string) error {
	var raw string
	if err := db.QueryRowContext(ctx, `SELECT CAST(json_serialize_sql(CAST(? AS VARCHAR)) AS VARCHAR)`, sqlText).Scan(&raw); err != nil {
		return fmt.Errorf("parse statement: %w", err)
	}
	var parsed serializedSQL
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("decode parsed statement: %w", err)
	}
	if parsed.Error {
		return fmt.Errorf("%w: %s: %s", query.ErrNotReadOnly, parsed.ErrorType, parsed.ErrorMessage)
	}
	if len(parsed.Statements) != 1 {
		return fmt.Errorf("%w: parser found %d statements", query.ErrNotReadOnly, len(parsed.Statements))
	}
	return nil
}

func resolveFormat(file query.TableFile) (query.Format, error) {
	if file.Format != "" {
		switch file.Format {
		case query.FormatParquet, query.FormatCSV:
			return file.Format, nil
		default:
			return "", fmt.Errorf("unsupported file format %q", file.Format)
		}
	}
	switch strings.ToLower(path.Ext(file.ObjectPath)) {
	case ".parquet":
		return query.FormatParquet, nil
	case ".csv":
		return query.FormatCSV, nil
	default:
		return "", fmt.Errorf("cannot infer format of %q", file.ObjectPath)
	}
}

func readRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
