package trace

import "testing"

func TestCompareToolUnion(t *testing.T) {
	t.Parallel()

	left := TraceData{
		TraceID: "left",
		Events: []Event{
			callTo("read"), callTo("grep"), callTo("read"),
			{Type: EventMessage, Fields: map[string]any{"content": "0123456789ab"}},
		},
	}
	right := TraceData{
		Manifest: &Manifest{TraceID: "right"},
		Events:   []Event{callTo("write"), callTo("read")},
	}

	comparison := Compare(left, right)
	if comparison.Left.TraceID != "left" || comparison.Right.TraceID != "right" {
		t.Fatalf("sides=%q/%q", comparison.Left.TraceID, comparison.Right.TraceID)
	}
	want := []ToolDelta{
		{Tool: "read", Left: 2, Right: 1, Delta: -1},
		{Tool: "grep", Left: 1, Right: 0, Delta: -1},
		{Tool: "write", Left: 0, Right: 1, Delta: 1},
	}
	if len(comparison.Tools) != len(want) {
		t.Fatalf("Tools=%+v, want %+v", comparison.Tools, want)
	}
	for i := range want {
		if comparison.Tools[i] != want[i] {
			t.Fatalf("Tools[%d]=%+v, want %+v", i, comparison.Tools[i], want[i])
		}
	}
	if comparison.Left.UsageTokens != 3 {
		t.Fatalf("Left.UsageTokens=%d, want 3", comparison.Left.UsageTokens)
	}
	if comparison.Left.Metrics.ToolCallCount != 3 || comparison.Right.Metrics.ToolCallCount != 2 {
		t.Fatalf("tool call counts=%d/%d", comparison.Left.Metrics.ToolCallCount, comparison.Right.Metrics.ToolCallCount)
	}
}

func TestCompareEmptyTraces(t *testing.T) {
	t.Parallel()

	comparison := Compare(TraceData{TraceID: "a"}, TraceData{TraceID: "b"})
	if comparison.Tools == nil || len(comparison.Tools) != 0 {
		t.Fatalf("Tools=%#v, want empty slice", comparison.Tools)
	}
}
