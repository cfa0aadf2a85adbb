package trace

import "sort"

// TopToolsLimit is the number of entries kept in Metrics.TopTools.
const TopToolsLimit = 5

type ToolCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Metrics summarizes one event sequence.
type Metrics struct {
	DurationS     *float64    `json:"duration_s"`
	EventCount    int         `json:"event_count"`
	ToolCallCount int         `json:"tool_call_count"`
	ErrorCount    int         `json:"error_count"`
	EventsPerSec  *float64    `json:"events_per_sec"`
	TopTools      []ToolCount `json:"top_tools"`
}

// ComputeMetrics derives summary statistics from events. Timing comes from
// the manifest start and end when both parse, otherwise from the first and
// last event timestamps. manifest may be nil.
func ComputeMetrics(events []Event, manifest *Manifest) Metrics {
	metrics := Metrics{
		EventCount: len(events),
		TopTools:   []ToolCount{},
	}

	if duration, ok := resolveDuration(events, manifest); ok {
		metrics.DurationS = &duration
		if duration > 0 {
			rate := float64(len(events)) / duration
			metrics.EventsPerSec = &rate
		}
	}

	histogram := ToolHistogram(events)
	for _, entry := range histogram {
		metrics.ToolCallCount += entry.Count
	}
	for _, event := range events {
		if event.Type == EventToolError {
			metrics.ErrorCount++
		}
	}

	sorted := make([]ToolCount, len(histogram))
	copy(sorted, histogram)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Count > sorted[j].Count
	})
	if len(sorted) > TopToolsLimit {
		sorted = sorted[:TopToolsLimit]
	}
	metrics.TopTools = append(metrics.TopTools, sorted...)
	return metrics
}

// ToolHistogram counts tool_call events per tool name, in first-seen order.
func ToolHistogram(events []Event) []ToolCount {
	counts := make([]ToolCount, 0)
	position := make(map[string]int)
	for _, event := range events {
		if event.Type != EventToolCall {
			continue
		}
		name := event.ToolName()
		idx, ok := position[name]
		if !ok {
			idx = len(counts)
			position[name] = idx
			counts = append(counts, ToolCount{Name: name})
		}
		counts[idx].Count++
	}
	return counts
}

func resolveDuration(events []Event, manifest *Manifest) (float64, bool) {
	if manifest != nil {
		if duration, ok := DurationBetween(manifest.StartedAt, manifest.EndedAt); ok {
			return duration, true
		}
	}
	if len(events) == 0 {
		return 0, false
	}
	return DurationBetween(events[0].Timestamp, events[len(events)-1].Timestamp)
}
