package trace

// SpanEntry is one line of the span tree traversal.
type SpanEntry struct {
	Event Event `json:"event"`
	Depth int   `json:"depth"`
}

// SpanNode holds the latest event seen for a span and the span ids that
// named it as their parent, in scan order.
type SpanNode struct {
	Event    Event
	Children []string
}

// SpanIndex is the span forest of one event sequence, kept as an id-keyed
// table plus child id lists.
type SpanIndex struct {
	Nodes map[string]*SpanNode
	// Order lists span ids by first appearance.
	Order []string
	// Roots lists root registrations in scan order. An id may repeat.
	Roots []string
	// Parents maps a span id to the parent it was first attached under.
	Parents map[string]string
}

// IndexSpans builds the span forest of events. Events without a span id
// are skipped. When a span id repeats, the later event replaces the earlier
// one as the node payload.
func IndexSpans(events []Event) *SpanIndex {
	index := &SpanIndex{
		Nodes:   make(map[string]*SpanNode),
		Parents: make(map[string]string),
	}
	for _, event := range events {
		if event.SpanID == "" {
			continue
		}
		node, ok := index.Nodes[event.SpanID]
		if !ok {
			node = &SpanNode{}
			index.Nodes[event.SpanID] = node
			index.Order = append(index.Order, event.SpanID)
		}
		node.Event = event
	}

	for _, event := range events {
		spanID := event.SpanID
		if spanID == "" {
			continue
		}
		parentID := event.ParentSpanID
		parent, ok := index.Nodes[parentID]
		if parentID == "" || !ok || parentID == spanID {
			index.Roots = append(index.Roots, spanID)
			continue
		}
		parent.Children = append(parent.Children, spanID)
		if _, seen := index.Parents[spanID]; !seen {
			index.Parents[spanID] = parentID
		}
	}
	return index
}

// Walk returns the depth-first preorder traversal of the forest. Roots are
// visited in registration order and children in the order they were found.
// Each span id is emitted once; ids unreachable from any root, which only
// happens when parents form a cycle, are emitted afterwards as roots in
// first-seen order.
func (idx *SpanIndex) Walk() []SpanEntry {
	entries := make([]SpanEntry, 0, len(idx.Nodes))
	visited := make(map[string]bool, len(idx.Nodes))

	var visit func(id string, depth int)
	visit = func(id string, depth int) {
		if visited[id] {
			return
		}
		node, ok := idx.Nodes[id]
		if !ok {
			return
		}
		visited[id] = true
		entries = append(entries, SpanEntry{Event: node.Event, Depth: depth})
		for _, child := range node.Children {
			visit(child, depth+1)
		}
	}

	for _, root := range idx.Roots {
		visit(root, 0)
	}
	if len(entries) < len(idx.Nodes) {
		for _, id := range idx.Order {
			visit(id, 0)
		}
	}
	return entries
}

// BuildSpanTree reconstructs the span hierarchy of events and returns its
// depth-annotated preorder traversal.
func BuildSpanTree(events []Event) []SpanEntry {
	return IndexSpans(events).Walk()
}
