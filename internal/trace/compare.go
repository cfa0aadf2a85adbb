package trace

// TraceData is one trace's manifest and events as loaded for comparison.
type TraceData struct {
	TraceID  string
	Manifest *Manifest
	Events   []Event
}

type ComparisonSide struct {
	TraceID     string  `json:"trace_id"`
	Metrics     Metrics `json:"metrics"`
	UsageTokens int     `json:"usage_tokens"`
}

type ToolDelta struct {
	Tool  string `json:"tool"`
	Left  int    `json:"left"`
	Right int    `json:"right"`
	Delta int    `json:"delta"`
}

type Comparison struct {
	Left  ComparisonSide `json:"left"`
	Right ComparisonSide `json:"right"`
	Tools []ToolDelta    `json:"tools"`
}

// Compare summarizes two traces side by side. Tool rows cover the union of
// tool names, left trace first, then names only the right trace used.
func Compare(left, right TraceData) Comparison {
	comparison := Comparison{
		Left:  compareSide(left),
		Right: compareSide(right),
		Tools: []ToolDelta{},
	}

	leftCounts := ToolHistogram(left.Events)
	rightCounts := ToolHistogram(right.Events)
	rightByName := make(map[string]int, len(rightCounts))
	for _, entry := range rightCounts {
		rightByName[entry.Name] = entry.Count
	}
	seen := make(map[string]bool, len(leftCounts))
	for _, entry := range leftCounts {
		seen[entry.Name] = true
		comparison.Tools = append(comparison.Tools, ToolDelta{
			Tool:  entry.Name,
			Left:  entry.Count,
			Right: rightByName[entry.Name],
			Delta: rightByName[entry.Name] - entry.Count,
		})
	}
	for _, entry := range rightCounts {
		if seen[entry.Name] {
			continue
		}
		comparison.Tools = append(comparison.Tools, ToolDelta{
			Tool:  entry.Name,
			Right: entry.Count,
			Delta: entry.Count,
		})
	}
	return comparison
}

func compareSide(data TraceData) ComparisonSide {
	traceID := data.TraceID
	if traceID == "" && data.Manifest != nil {
		traceID = data.Manifest.TraceID
	}
	return ComparisonSide{
		TraceID:     traceID,
		Metrics:     ComputeMetrics(data.Events, data.Manifest),
		UsageTokens: ApproxUsageTokens(data.Events),
	}
}

// ApproxUsageTokens estimates token usage as a quarter of the message
// content length.
func ApproxUsageTokens(events []Event) int {
	total := 0
	for _, event := range events {
		if event.Type != EventMessage {
			continue
		}
		total += len(event.Text(FieldContent)) / 4
	}
	return total
}
