package trace

import (
	"fmt"
	"testing"
)

func span(id, parent string) Event {
	return Event{TraceID: "t1", Type: EventMessage, SpanID: id, ParentSpanID: parent}
}

func treeShape(entries []SpanEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, fmt.Sprintf("%s@%d", entry.Event.SpanID, entry.Depth))
	}
	return out
}

func assertShape(t *testing.T, got []SpanEntry, want ...string) {
	t.Helper()

	shape := treeShape(got)
	if len(shape) != len(want) {
		t.Fatalf("tree=%v, want %v", shape, want)
	}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("tree=%v, want %v", shape, want)
		}
	}
}

func TestBuildSpanTreePreorder(t *testing.T) {
	t.Parallel()

	events := []Event{
		span("root", ""),
		span("a", "root"),
		span("b", "root"),
		span("a1", "a"),
		{TraceID: "t1", Type: EventPlan},
		span("b1", "b"),
		span("a2", "a"),
	}
	assertShape(t, BuildSpanTree(events), "root@0", "a@1", "a1@2", "a2@2", "b@1", "b1@2")
}

func TestBuildSpanTreeOrphanBecomesRoot(t *testing.T) {
	t.Parallel()

	assertShape(t, BuildSpanTree([]Event{span("b", "a")}), "b@0")
}

func TestBuildSpanTreeParentAfterChild(t *testing.T) {
	t.Parallel()

	events := []Event{span("child", "parent"), span("parent", "")}
	assertShape(t, BuildSpanTree(events), "parent@0", "child@1")
}

func TestBuildSpanTreeLastWriteWins(t *testing.T) {
	t.Parallel()

	first := span("s1", "")
	first.Fields = map[string]any{"content": "draft"}
	second := span("s1", "")
	second.Fields = map[string]any{"content": "final"}

	entries := BuildSpanTree([]Event{first, second})
	assertShape(t, entries, "s1@0")
	if got := entries[0].Event.Text(FieldContent); got != "final" {
		t.Fatalf("node payload content=%q, want final", got)
	}
}

func TestBuildSpanTreeRepeatedChildRegistration(t *testing.T) {
	t.Parallel()

	events := []Event{span("root", ""), span("c", "root"), span("c", "root"), span("root", "")}
	assertShape(t, BuildSpanTree(events), "root@0", "c@1")
}

func TestBuildSpanTreeTotalityOnCycles(t *testing.T) {
	t.Parallel()

	events := []Event{
		span("x", "y"),
		span("y", "x"),
		span("self", "self"),
		{TraceID: "t1", Type: EventRunEnd},
	}
	entries := BuildSpanTree(events)
	assertShape(t, entries, "self@0", "x@0", "y@1")
}

func TestBuildSpanTreeTotality(t *testing.T) {
	t.Parallel()

	events := []Event{
		span("r1", ""),
		span("c1", "r1"),
		span("orphan", "missing"),
		{TraceID: "t1", Type: EventPlan},
		span("c2", "c1"),
		span("r2", ""),
		span("c1", "r1"),
		{TraceID: "t1", Type: EventMessage},
	}
	entries := BuildSpanTree(events)

	seen := make(map[string]int)
	for _, entry := range entries {
		if entry.Event.SpanID == "" {
			t.Fatalf("event without span id appeared in tree: %+v", entry)
		}
		seen[entry.Event.SpanID]++
	}
	for _, id := range []string{"r1", "c1", "orphan", "c2", "r2"} {
		if seen[id] != 1 {
			t.Fatalf("span %q appeared %d times, want 1", id, seen[id])
		}
	}
	if len(entries) != 5 {
		t.Fatalf("len(entries)=%d, want 5", len(entries))
	}
}

func TestBuildSpanTreeIsDeterministic(t *testing.T) {
	t.Parallel()

	events := []Event{span("a", ""), span("b", "a"), span("c", "zz"), span("d", "b")}
	first := encodeTree(t, BuildSpanTree(events))
	for i := 0; i < 5; i++ {
		if again := encodeTree(t, BuildSpanTree(events)); again != first {
			t.Fatalf("BuildSpanTree() not deterministic:\n%s\n%s", first, again)
		}
	}
}

func encodeTree(t *testing.T, entries []SpanEntry) string {
	t.Helper()

	encoded, err := MarshalJSON(entries)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	return string(encoded)
}

func TestIndexSpansParents(t *testing.T) {
	t.Parallel()

	index := IndexSpans([]Event{span("a", ""), span("b", "a"), span("c", "nope")})
	if index.Parents["b"] != "a" {
		t.Fatalf("Parents[b]=%q, want a", index.Parents["b"])
	}
	if _, ok := index.Parents["c"]; ok {
		t.Fatalf("orphan c recorded a parent")
	}
	if len(index.Order) != 3 || index.Order[2] != "c" {
		t.Fatalf("Order=%v", index.Order)
	}
}
