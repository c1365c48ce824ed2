// Package nl2sql is the client side of the SQL generation collaborator.
package nl2sql

import (
	"context"
	"errors"

	"github.com/sqlrecall/sqlrecall/internal/schema"
)

var ErrNotConfigured = errors.New("nl2sql: translator is not configured")

// MaxExamples caps the few-shot examples sent with one request.
const MaxExamples = 5

type TableContext struct {
	Name       string          `json:"name"`
	Columns    []schema.Column `json:"columns"`
	SampleRows [][]any         `json:"sample_rows,omitempty"`
}

// Example is a learned question/SQL pair offered as a few-shot hint.
type Example struct {
	Question string `json:"q"`
	SQL      string `json:"sql"`
}

type Request struct {
	Question string         `json:"question"`
	Tables   []TableContext `json:"tables"`
	Examples []Example      `json:"examples,omitempty"`
}

type Result struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation,omitempty"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// CompactExamples drops incomplete examples and keeps at most max.
func CompactExamples(examples []Example, max int) []Example {
	if max <= 0 {
		max = MaxExamples
	}
	out := make([]Example, 0, min(len(examples), max))
	for _, ex := range examples {
		if len(out) >= max {
			break
		}
		if ex.Question == "" || ex.SQL == "" {
			continue
		}
		out = append(out, ex)
	}
	return out
}
