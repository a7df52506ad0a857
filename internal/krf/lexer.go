package krf

import (
	"errors"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokOpen tokenKind = iota
	tokClose
	tokSymbol
	tokKeyword
	tokString
)

type token struct {
	kind tokenKind
	text string
}

var errUnterminated = errors.New("krf: unterminated expression")

// lex splits KRF text into tokens. Lines starting with ';' are comments.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ';':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokOpen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokClose})
			i++
		case c == '"':
			quoted, err := strconv.QuotedPrefix(src[i:])
			if err != nil {
				return nil, errUnterminated
			}
			s, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s})
			i += len(quoted)
		default:
			start := i
			for i < len(src) && !isDelimiter(src[i]) {
				i++
			}
			text := src[start:i]
			kind := tokSymbol
			if strings.HasPrefix(text, ":") {
				kind = tokKeyword
				text = text[1:]
			}
			toks = append(toks, token{kind: kind, text: text})
		}
	}
	return toks, nil
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
		return true
	}
	return false
}

// expressions groups a flat token list into top-level parenthesised forms.
// Nested lists are not part of the format and are rejected.
func expressions(toks []token) ([][]token, error) {
	var out [][]token
	var cur []token
	open := false
	for _, t := range toks {
		switch t.kind {
		case tokOpen:
			if open {
				return nil, errors.New("krf: nested expression")
			}
			open = true
			cur = nil
		case tokClose:
			if !open {
				return nil, errors.New("krf: unbalanced ')'")
			}
			open = false
			out = append(out, cur)
		default:
			if !open {
				return nil, errors.New("krf: atom outside expression")
			}
			cur = append(cur, t)
		}
	}
	if open {
		return nil, errUnterminated
	}
	return out, nil
}

// atom renders an identifier as a bare symbol when that is unambiguous,
// otherwise as a quoted string.
func atom(s string) string {
	if s == "" || strings.HasPrefix(s, ":") || looksNumeric(s) {
		return strconv.Quote(s)
	}
	for i := 0; i < len(s); i++ {
		if isDelimiter(s[i]) || s[i] < 0x21 || s[i] > 0x7e {
			return strconv.Quote(s)
		}
	}
	return s
}

// keyword renders a name as :NAME, or as a quoted string when it holds
// characters a keyword cannot
func keyword(s string) string {
	if s == "" {
		return strconv.Quote(s)
	}
	for i := 0; i < len(s); i++ {
		if isDelimiter(s[i]) || s[i] < 0x21 || s[i] > 0x7e {
			return strconv.Quote(s)
		}
	}
	return ":" + s
}

func looksNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
