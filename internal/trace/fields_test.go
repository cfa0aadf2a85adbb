package trace

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{name: "json number", value: json.Number("123"), want: 123, wantOK: true},
		{name: "fractional json number", value: json.Number("1.5"), wantOK: false},
		{name: "whole float", value: float64(42), want: 42, wantOK: true},
		{name: "fractional float", value: 42.9, wantOK: false},
		{name: "string trimmed", value: "  -12  ", want: -12, wantOK: true},
		{name: "string invalid", value: "abc", wantOK: false},
		{name: "bool", value: true, wantOK: false},
		{name: "null", value: nil, wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event := Event{Type: EventRunEnd, Fields: map[string]any{FieldEventCount: tt.value}}
			got, ok := event.Int(FieldEventCount)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Int()=(%d,%t), want (%d,%t)", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := (Event{}).Int(FieldEventCount); ok {
		t.Fatal("Int() ok=true for a missing field")
	}
}

func TestEventBool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		value  any
		want   bool
		wantOK bool
	}{
		{name: "bool true", value: true, want: true, wantOK: true},
		{name: "bool false", value: false, want: false, wantOK: true},
		{name: "string mixed case", value: " TrUe ", want: true, wantOK: true},
		{name: "string invalid", value: "1", wantOK: false},
		{name: "number", value: json.Number("1"), wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event := Event{Type: EventRunEnd, Fields: map[string]any{FieldIntegrityOK: tt.value}}
			got, ok := event.Bool(FieldIntegrityOK)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Bool()=(%t,%t), want (%t,%t)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTextOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input any
		want  string
	}{
		{name: "nil", input: nil, want: ""},
		{name: "string", input: "denied", want: "denied"},
		{name: "number", input: json.Number("42"), want: "42"},
		{name: "float", input: 1.5, want: "1.5"},
		{name: "bool", input: false, want: "false"},
		{name: "object", input: map[string]any{"code": json.Number("7"), "msg": "x"}, want: `{"code":7,"msg":"x"}`},
		{name: "array", input: []any{"a", "b"}, want: `["a","b"]`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := TextOf(tt.input); got != tt.want {
				t.Fatalf("TextOf()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inputs := []string{
		"2026-01-02T03:04:05Z",
		"2026-01-02T03:04:05+00:00",
		"2026-01-02T05:04:05+02:00",
		"2026-01-02T03:04:05",
		"2026-01-02 03:04:05",
	}
	for _, input := range inputs {
		got, ok := ParseTimestamp(input)
		if !ok {
			t.Fatalf("ParseTimestamp(%q) failed", input)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q)=%s, want %s", input, got, want)
		}
	}

	if _, ok := ParseTimestamp("2026-01-02T03:04:05.123456+00:00"); !ok {
		t.Fatalf("ParseTimestamp() rejected microsecond precision")
	}
	for _, input := range []string{"", "   ", "yesterday"} {
		if _, ok := ParseTimestamp(input); ok {
			t.Fatalf("ParseTimestamp(%q) ok=true, want false", input)
		}
	}
}
