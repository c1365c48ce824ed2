package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenPunct
	tokenSemicolon
	tokenLParen
	tokenRParen
)

type token struct {
	kind  tokenKind
	text  string
	value string
	start int
	end   int
}

type lexError struct {
	code Code
	pos  int
	msg  string
}

// tokenize splits input into significant tokens. Comments and whitespace are
// dropped. Block comments nest the way DuckDB's scanner nests them.
func tokenize(input string) ([]token, *lexError) {
	tokens := make([]token, 0, 32)
	n := len(input)
	i := 0
	for i < n {
		c := input[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < n && input[i+1] == '-':
			next := strings.IndexByte(input[i:], '\n')
			if next < 0 {
				i = n
			} else {
				i += next + 1
			}
		case c == '/' && i+1 < n && input[i+1] == '*':
			end, ok := skipBlockComment(input, i)
			if !ok {
				return nil, &lexError{code: CodeUnterminatedComment, pos: i, msg: fmt.Sprintf("unterminated block comment at offset %d", i)}
			}
			i = end
		case c == '\'':
			tok, err := lexQuoted(input, i, i, '\'', false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = tok.end
		case (c == 'e' || c == 'E') && i+1 < n && input[i+1] == '\'':
			tok, err := lexQuoted(input, i, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = tok.end
		case c == '"' || c == '`':
			tok, err := lexQuoted(input, i, i, c, false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = tok.end
		case c == '$':
			tok, err := lexDollar(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = tok.end
		case isWordStart(c):
			j := i + 1
			for j < n && isWordPart(input[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenWord, text: input[i:j], start: i, end: j})
			i = j
		case isDigit(c) || (c == '.' && i+1 < n && isDigit(input[i+1])):
			j := lexNumber(input, i)
			tokens = append(tokens, token{kind: tokenNumber, text: input[i:j], start: i, end: j})
			i = j
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", start: i, end: i + 1})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", start: i, end: i + 1})
			i++
		case c == ';':
			tokens = append(tokens, token{kind: tokenSemicolon, text: ";", start: i, end: i + 1})
			i++
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: input[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return tokens, nil
}

// skipBlockComment returns the offset just past the comment opened at start.
// Quotes inside a comment are comment text.
func skipBlockComment(input string, start int) (int, bool) {
	n := len(input)
	depth := 1
	j := start + 2
	for j < n {
		switch {
		case input[j] == '/' && j+1 < n && input[j+1] == '*':
			depth++
			j += 2
		case input[j] == '*' && j+1 < n && input[j+1] == '/':
			depth--
			j += 2
			if depth == 0 {
				return j, true
			}
		default:
			j++
		}
	}
	return n, false
}

// lexQuoted reads a quoted run starting at open. Doubled quote characters
// escape themselves; backslash escapes apply only to E-prefixed strings.
func lexQuoted(input string, start, open int, quote byte, backslash bool) (token, *lexError) {
	kind := tokenString
	code := CodeUnterminatedString
	label := "string literal"
	if quote != '\'' {
		kind = tokenQuotedIdent
		code = CodeUnterminatedIdentifier
		label = "quoted identifier"
	}

	var value strings.Builder
	n := len(input)
	for j := open + 1; j < n; j++ {
		c := input[j]
		if backslash && c == '\\' && j+1 < n {
			value.WriteByte(input[j+1])
			j++
			continue
		}
		if c == quote {
			if j+1 < n && input[j+1] == quote {
				value.WriteByte(quote)
				j++
				continue
			}
			return token{kind: kind, text: input[start : j+1], value: value.String(), start: start, end: j + 1}, nil
		}
		value.WriteByte(c)
	}
	return token{}, &lexError{code: code, pos: start, msg: fmt.Sprintf("unterminated %s at offset %d", label, start)}
}

// lexDollar handles $tag$...$tag$ strings and $1 style parameters.
func lexDollar(input string, start int) (token, *lexError) {
	n := len(input)
	j := start + 1
	if j < n && isDigit(input[j]) {
		for j < n && isDigit(input[j]) {
			j++
		}
		return token{kind: tokenPunct, text: input[start:j], start: start, end: j}, nil
	}
	for j < n && (isWordStart(input[j]) || (j > start+1 && isDigit(input[j]))) {
		j++
	}
	if j >= n || input[j] != '$' {
		return token{kind: tokenPunct, text: "$", start: start, end: start + 1}, nil
	}
	tag := input[start : j+1]
	bodyStart := j + 1
	closing := strings.Index(input[bodyStart:], tag)
	if closing < 0 {
		return token{}, &lexError{code: CodeUnterminatedString, pos: start, msg: fmt.Sprintf("unterminated dollar-quoted string at offset %d", start)}
	}
	end := bodyStart + closing + len(tag)
	return token{
		kind:  tokenString,
		text:  input[start:end],
		value: input[bodyStart : bodyStart+closing],
		start: start,
		end:   end,
	}, nil
}

func lexNumber(input string, start int) int {
	n := len(input)
	j := start
	for j < n {
		c := input[j]
		switch {
		case isDigit(c) || c == '.' || c == '_':
			j++
		case (c == 'e' || c == 'E') && j+1 < n && (isDigit(input[j+1]) || ((input[j+1] == '+' || input[j+1] == '-') && j+2 < n && isDigit(input[j+2]))):
			j += 2
		default:
			return j
		}
	}
	return j
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
