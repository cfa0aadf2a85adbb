package trace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var ErrInvalidQuery = errors.New("invalid trace query")

const (
	OperatorEquals   = "="
	OperatorContains = "~"
)

var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "And", Pattern: `(?i:AND)\b`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`},
	{Name: "Op", Pattern: `[=~]`},
	{Name: "Word", Pattern: `[^\s"'=~]+`},
	{Name: "space", Pattern: `\s+`},
})

type queryAST struct {
	Conditions []*conditionAST `parser:"@@ ( And @@ )*"`
}

type conditionAST struct {
	Field    string    `parser:"@Word"`
	Operator string    `parser:"@Op"`
	Value    *valueAST `parser:"@@?"`
}

// valueAST spans everything up to the next AND, operators and quoted runs
// included, so "arguments~path=/tmp" keeps "path=/tmp" as its value.
type valueAST struct {
	Tokens []lexer.Token
	Parts  []string `parser:"@( Word | Op | String )+"`
}

// text returns the value as written. A value that is one quoted string is
// unquoted; anything else is the source text between its first and last
// token.
func (v *valueAST) text(expression string) string {
	if v == nil || len(v.Parts) == 0 {
		return ""
	}
	if len(v.Parts) == 1 && strings.ContainsAny(v.Parts[0][:1], `"'`) {
		return unquoteQueryValue(v.Parts[0])
	}
	start, end := len(expression), 0
	for _, token := range v.Tokens {
		if token.EOF() {
			continue
		}
		if token.Pos.Offset < start {
			start = token.Pos.Offset
		}
		if tokenEnd := token.Pos.Offset + len(token.Value); tokenEnd > end {
			end = tokenEnd
		}
	}
	if start >= end || end > len(expression) {
		return strings.Join(v.Parts, "")
	}
	return strings.TrimSpace(expression[start:end])
}

var queryParser = participle.MustBuild[queryAST](
	participle.Lexer(queryLexer),
	participle.UseLookahead(2),
)

var fieldAliases = map[string]string{
	"tool": FieldToolName,
}

// Condition is one field test of a query.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Query is a conjunction of conditions evaluated against single events.
//
//	type=tool_call AND tool~grep
//	task~"fix the bug"
//
// "=" compares the field text exactly, "~" is a case-insensitive substring
// test. An event lacking a referenced field never matches.
type Query struct {
	Conditions []Condition `json:"conditions"`
}

// ParseQuery parses a query expression.
func ParseQuery(expression string) (*Query, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidQuery)
	}
	ast, err := queryParser.ParseString("", expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	query := &Query{Conditions: make([]Condition, 0, len(ast.Conditions))}
	for _, cond := range ast.Conditions {
		query.Conditions = append(query.Conditions, Condition{
			Field:    cond.Field,
			Operator: cond.Operator,
			Value:    cond.Value.text(expression),
		})
	}
	return query, nil
}

func unquoteQueryValue(raw string) string {
	if len(raw) < 2 {
		return raw
	}
	quote := raw[0]
	inner := raw[1 : len(raw)-1]
	inner = strings.ReplaceAll(inner, `\`+string(quote), string(quote))
	return strings.ReplaceAll(inner, `\\`, `\`)
}

func (q *Query) String() string {
	parts := make([]string, 0, len(q.Conditions))
	for _, cond := range q.Conditions {
		value := cond.Value
		if value == "" || strings.ContainsAny(value, " \t\"'=~") {
			value = `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
		}
		parts = append(parts, cond.Field+cond.Operator+value)
	}
	return strings.Join(parts, " AND ")
}

// Match reports whether event satisfies every condition. manifest may be
// nil; when present its task takes precedence for the task field.
func (q *Query) Match(event Event, manifest *Manifest) bool {
	for _, cond := range q.Conditions {
		value, ok := resolveQueryField(event, manifest, cond.Field)
		if !ok {
			return false
		}
		text := TextOf(value)
		switch cond.Operator {
		case OperatorEquals:
			if text != cond.Value {
				return false
			}
		case OperatorContains:
			if !strings.Contains(strings.ToLower(text), strings.ToLower(cond.Value)) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Count returns how many events match q.
func (q *Query) Count(events []Event, manifest *Manifest) int {
	count := 0
	for _, event := range events {
		if q.Match(event, manifest) {
			count++
		}
	}
	return count
}

func resolveQueryField(event Event, manifest *Manifest, field string) (any, bool) {
	key := field
	if alias, ok := fieldAliases[field]; ok {
		key = alias
	}
	if field == FieldTask && manifest != nil {
		return manifest.Task, true
	}
	return event.Lookup(key)
}
