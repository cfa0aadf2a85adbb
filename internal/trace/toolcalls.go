package trace

import "strings"

type ToolCallStatus string

const (
	ToolCallOK    ToolCallStatus = "ok"
	ToolCallError ToolCallStatus = "error"
)

// ToolCall pairs a tool_call event with the outcome recorded for its span.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments any            `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Timestamp string         `json:"ts,omitempty"`
}

type toolOutcome struct {
	result any
	err    string
	failed bool
}

// CollectToolCalls returns one record per tool_call event, in event order.
// The outcome for a span is the last tool_result or tool_error carrying the
// same span id. A tool_error always fails the call; a blank error text is
// reported as "unknown error".
func CollectToolCalls(events []Event) []ToolCall {
	outcomes := make(map[string]toolOutcome)
	for _, event := range events {
		if event.SpanID == "" {
			continue
		}
		switch event.Type {
		case EventToolResult:
			outcomes[event.SpanID] = toolOutcome{result: event.Result()}
		case EventToolError:
			text := strings.TrimSpace(event.ErrorText())
			if text == "" {
				text = UnknownErrorText
			}
			outcomes[event.SpanID] = toolOutcome{err: text, failed: true}
		}
	}

	calls := make([]ToolCall, 0)
	for _, event := range events {
		if event.Type != EventToolCall {
			continue
		}
		call := ToolCall{
			ID:        event.SpanID,
			Name:      event.ToolName(),
			Arguments: event.Arguments(),
			Status:    ToolCallOK,
			Timestamp: event.Timestamp,
		}
		if event.SpanID != "" {
			if outcome, ok := outcomes[event.SpanID]; ok {
				call.Result = outcome.result
				if outcome.failed {
					call.Error = outcome.err
					call.Status = ToolCallError
				}
			}
		}
		calls = append(calls, call)
	}
	return calls
}
