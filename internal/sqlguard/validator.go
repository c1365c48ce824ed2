// Package sqlguard statically inspects candidate SQL before it may reach the
// execution engine. Only single, read-only SELECT/WITH statements pass, and
// every accepted statement carries a row limit.
//
// The check is token based, not a full grammar: it cannot see destructive
// behavior hidden behind engine-specific table functions or extensions. The
// DuckDB engine parses every statement again and runs without host
// filesystem access.
package sqlguard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

const DefaultMaxRows = 1000

type Code string

const (
	CodeAccepted               Code = ""
	CodeEmpty                  Code = "empty"
	CodeUnterminatedString     Code = "unterminated_string"
	CodeUnterminatedIdentifier Code = "unterminated_identifier"
	CodeUnterminatedComment    Code = "unterminated_comment"
	CodeUnbalancedParentheses  Code = "unbalanced_parentheses"
	CodeMultipleStatements     Code = "multiple_statements"
	CodeNotReadOnly            Code = "not_read_only"
	CodeForbiddenKeyword       Code = "forbidden_keyword"
	CodeUnrecognizedShape      Code = "unrecognized_shape"
	CodeInjectionSignature     Code = "injection_signature"
)

// DefaultDenylist holds keywords rejected wherever they appear as bare words.
var DefaultDenylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"ATTACH", "COPY", "PRAGMA", "EXEC",
	"GRANT", "REVOKE", "DETACH", "INSTALL", "CALL", "EXECUTE", "VACUUM",
}

var ErrRejected = errors.New("sqlguard: statement rejected")

type RejectionError struct {
	Code    Code
	Keyword string
	Reason  string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// Statement is SQL that passed validation. It can only be obtained from an
// accepted Verdict.
type Statement struct {
	sql string
}

func (s Statement) SQL() string {
	return s.sql
}

func (s Statement) IsZero() bool {
	return s.sql == ""
}

type Verdict struct {
	Accepted      bool   `json:"accepted"`
	Code          Code   `json:"code,omitempty"`
	Keyword       string `json:"keyword,omitempty"`
	Reason        string `json:"reason,omitempty"`
	NormalizedSQL string `json:"normalized_sql,omitempty"`
	LimitInjected bool   `json:"limit_injected,omitempty"`

	stmt Statement
}

func (v Verdict) Statement() (Statement, bool) {
	if !v.Accepted || v.stmt.IsZero() {
		return Statement{}, false
	}
	return v.stmt, true
}

func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectionError{Code: v.Code, Keyword: v.Keyword, Reason: v.Reason}
}

type Options struct {
	MaxRows         int
	Denylist        []string
	InspectLiterals bool
}

type Validator struct {
	maxRows         int
	denied          map[string]struct{}
	inspectLiterals bool
}

func New(opts Options) *Validator {
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	list := opts.Denylist
	if len(list) == 0 {
		list = DefaultDenylist
	}
	denied := make(map[string]struct{}, len(list))
	for _, keyword := range list {
		keyword = strings.ToUpper(strings.TrimSpace(keyword))
		if keyword != "" {
			denied[keyword] = struct{}{}
		}
	}
	return &Validator{maxRows: maxRows, denied: denied, inspectLiterals: opts.InspectLiterals}
}

func (v *Validator) MaxRows() int {
	return v.maxRows
}

func (v *Validator) Validate(sqlText string) Verdict {
	tokens, lexErr := tokenize(sqlText)
	if lexErr != nil {
		return reject(lexErr.code, "", lexErr.msg)
	}

	end := len(tokens)
	for end > 0 && tokens[end-1].kind == tokenSemicolon {
		end--
	}
	if end == 0 {
		return reject(CodeEmpty, "", "statement is empty")
	}
	body := tokens[:end]

	depth := 0
	for _, tok := range body {
		switch tok.kind {
		case tokenSemicolon:
			return reject(CodeMultipleStatements, "", fmt.Sprintf("statement separator at offset %d starts a second statement", tok.start))
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
			if depth < 0 {
				return reject(CodeUnbalancedParentheses, "", fmt.Sprintf("unexpected closing parenthesis at offset %d", tok.start))
			}
		}
	}
	if depth != 0 {
		return reject(CodeUnbalancedParentheses, "", fmt.Sprintf("%d unclosed parenthesis", depth))
	}

	for i, tok := range body {
		if tok.kind != tokenWord {
			continue
		}
		if i > 0 && body[i-1].kind == tokenPunct && body[i-1].text == "." {
			continue
		}
		keyword := strings.ToUpper(tok.text)
		if _, ok := v.denied[keyword]; ok {
			return reject(CodeForbiddenKeyword, keyword, fmt.Sprintf("statement contains forbidden keyword %s", keyword))
		}
	}

	first := body[0]
	if first.kind == tokenLParen {
		return reject(CodeUnrecognizedShape, "", "statement must not begin with a parenthesized query")
	}
	leading := strings.ToUpper(first.text)
	if first.kind != tokenWord || (leading != "SELECT" && leading != "WITH") {
		return reject(CodeNotReadOnly, "", fmt.Sprintf("statement must begin with SELECT or WITH, found %q", first.text))
	}

	hasTopLevelSelect := false
	hasLimit := false
	depth = 0
	for i, tok := range body {
		switch tok.kind {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
		case tokenWord:
			if depth != 0 {
				continue
			}
			switch strings.ToUpper(tok.text) {
			case "SELECT":
				if i > 0 {
					hasTopLevelSelect = true
				}
			case "LIMIT", "FETCH":
				hasLimit = true
			}
		}
	}
	if leading == "WITH" && !hasTopLevelSelect {
		return reject(CodeUnrecognizedShape, "", "WITH clause is not followed by a top-level SELECT")
	}
	if len(body) == 1 {
		return reject(CodeUnrecognizedShape, "", fmt.Sprintf("%s statement has no body", leading))
	}

	if v.inspectLiterals {
		for _, tok := range body {
			if tok.kind != tokenString {
				continue
			}
			if isSQLi, signature := libinjection.IsSQLi(tok.value); isSQLi {
				return reject(CodeInjectionSignature, "", fmt.Sprintf("string literal at offset %d matches injection signature %s", tok.start, string(signature)))
			}
		}
	}

	normalized := strings.TrimSpace(sqlText[body[0].start:body[len(body)-1].end])
	injected := false
	if !hasLimit {
		normalized += " LIMIT " + strconv.Itoa(v.maxRows)
		injected = true
	}
	return Verdict{
		Accepted:      true,
		NormalizedSQL: normalized,
		LimitInjected: injected,
		stmt:          Statement{sql: normalized},
	}
}

func reject(code Code, keyword, reason string) Verdict {
	return Verdict{Accepted: false, Code: code, Keyword: keyword, Reason: reason}
}
