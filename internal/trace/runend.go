package trace

import "strings"

// RunEnd is what the closing run_end event reports about a run. Replayed
// traces carry IntegrityOK, the outcome of re-hashing the recorded events
// against the stored final hash.
type RunEnd struct {
	Status      string `json:"status,omitempty"`
	Summary     string `json:"summary,omitempty"`
	FinalHash   string `json:"final_hash,omitempty"`
	EventCount  *int   `json:"event_count,omitempty"`
	IntegrityOK *bool  `json:"integrity_ok,omitempty"`
}

// FindRunEnd returns the last run_end event of events.
func FindRunEnd(events []Event) (RunEnd, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.Type != EventRunEnd {
			continue
		}
		end := RunEnd{
			Status:    strings.TrimSpace(event.Text(FieldStatus)),
			Summary:   event.Text(FieldSummary),
			FinalHash: strings.TrimSpace(event.Text(FieldFinalHash)),
		}
		if count, ok := event.Int(FieldEventCount); ok {
			end.EventCount = &count
		}
		if intact, ok := event.Bool(FieldIntegrityOK); ok {
			end.IntegrityOK = &intact
		}
		return end, true
	}
	return RunEnd{}, false
}

// IntegrityLabel renders IntegrityOK for reports: "verified", "FAILED", or
// "" when the run did not report it.
func (r RunEnd) IntegrityLabel() string {
	switch {
	case r.IntegrityOK == nil:
		return ""
	case *r.IntegrityOK:
		return "verified"
	default:
		return "FAILED"
	}
}
