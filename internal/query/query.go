// Package query defines the execution collaborator. It only runs statements
// that passed sqlguard.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

var ErrUnvalidated = errors.New("query: statement was not produced by the validator")

// ErrNotReadOnly is returned when the engine's own parser does not see exactly
// one SELECT statement.
var ErrNotReadOnly = errors.New("query: engine parser did not accept a single read-only statement")

type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
)

// TableFile is one object-store file backing a dataset table. Several files
// with the same TableName form one table.
type TableFile struct {
	TableName     string `json:"table_name"`
	ObjectPath    string `json:"object_path"`
	Format        Format `json:"format,omitempty"`
	FileSizeBytes int64  `json:"file_size_bytes,omitempty"`
}

type Request struct {
	Statement sqlguard.Statement
	Files     []TableFile
}

type Result struct {
	Columns      []string      `json:"columns"`
	Rows         [][]any       `json:"rows"`
	ScannedFiles int           `json:"scanned_files"`
	ScannedBytes int64         `json:"scanned_bytes"`
	Duration     time.Duration `json:"duration_ns"`
}

// TableDescription is a dataset table as the engine sees it.
type TableDescription struct {
	Table      schema.Table `json:"table"`
	SampleRows [][]any      `json:"sample_rows,omitempty"`
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	Describe(ctx context.Context, files []TableFile, sampleRows int) ([]TableDescription, error)
}
