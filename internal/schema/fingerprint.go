// Package schema derives structural identities for loaded datasets.
//
// Table and column names are case-folded before hashing, so a re-upload that
// only changes letter casing (Sales vs sales) keeps its fingerprint and the
// patterns learned against it. Column types are compared case-insensitively
// with internal whitespace collapsed.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Fingerprint string

const fieldSep = "\x1f"

func Compute(tables []Table) Fingerprint {
	lines := make(map[string]struct{})
	for _, table := range tables {
		tableName := normalizeName(table.Name)
		lines[tableName] = struct{}{}
		for _, column := range table.Columns {
			lines[tableName+fieldSep+normalizeName(column.Name)+fieldSep+normalizeType(column.Type)] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(lines))
	for line := range lines {
		sorted = append(sorted, line)
	}
	sort.Strings(sorted)

	hash := sha256.New()
	for _, line := range sorted {
		_, _ = hash.Write([]byte(line))
		_, _ = hash.Write([]byte{'\n'})
	}
	return Fingerprint(hex.EncodeToString(hash.Sum(nil)))
}

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns a prefix suitable for log lines and object keys.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

func (f Fingerprint) Valid() bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	for _, r := range f {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}

func normalizeType(columnType string) string {
	return strings.ToUpper(strings.Join(strings.Fields(columnType), " "))
}
