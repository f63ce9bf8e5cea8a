package search

import (
	"strconv"
	"strings"
	"unicode"
)

// Operator is the comparison a filter applies.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // turns:3..10
)

// prefixOps is checked in order, so two-character operators come first.
var prefixOps = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is one key:value term of a query.
type Filter struct {
	Key      string   // "player", "is", "turns"
	Value    string   // "alice.near", "active", "5"
	MaxValue string   // OpRange only
	Operator Operator
}

// Query is a parsed listing query.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse splits a listing query into filters and free text.
//
//	player:alice.near is:active turns:>=4 "some text"
//
// Tokens are separated by whitespace unless quoted. A token becomes a
// filter when it has a non-empty key and value around its first colon.
// Values may carry a comparison prefix (>=, <=, >, <) or an integer range
// (3..10). Any other value containing ".." is matched literally.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, token := range tokenize(input) {
		if f, ok := parseFilter(token); ok {
			q.Filters = append(q.Filters, f)
			continue
		}
		if strings.Contains(token, ":") {
			q.FreeText = append(q.FreeText, token)
			continue
		}
		q.FreeText = append(q.FreeText, removeQuotes(token))
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if key == "" || val == "" {
		return Filter{}, false
	}
	// An unquoted second colon is ambiguous.
	if strings.Contains(val, ":") && !strings.HasPrefix(val, "\"") && !strings.HasPrefix(val, "'") {
		return Filter{}, false
	}
	if lo, hi, ok := strings.Cut(val, ".."); ok && isInt(lo) && isInt(hi) {
		return Filter{Key: key, Value: lo, MaxValue: hi, Operator: OpRange}, true
	}
	for _, op := range prefixOps {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			return Filter{Key: key, Value: removeQuotes(rest), Operator: op}, true
		}
	}
	return Filter{Key: key, Value: removeQuotes(val), Operator: OpEqual}, true
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// tokenize splits on whitespace outside of quotes. Quotes are kept.
func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune

	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func removeQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
