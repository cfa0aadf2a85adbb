package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns match secrets an agent may echo into tool arguments,
// tool results, or messages. Recorded traces carry them verbatim, so anything
// leaving the process through telemetry or an export passes through here.
var credentialPatterns = []*regexp.Regexp{
	// API key prefixes: sk_, sk-, pk_, rk_, xox*_, ghp/gho/ghu/ghs/ghr_, pat_
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)[_-][a-z0-9_-]{8,}\b`),
	// JWT-like tokens
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`),
	// password=..., secret=..., token=..., api_key=...
	regexp.MustCompile(`(?i)\b(?:password|secret|token|api_key)\s*=\s*\S{4,}`),
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces detected credentials in s with
// [CREDENTIAL_REDACTED]. Clean input is returned unchanged.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}

// ScrubValue walks a decoded JSON value and scrubs every string in it.
// Maps and slices are copied only when something inside them changed.
func ScrubValue(value any) any {
	scrubbed, _ := scrubValue(value)
	return scrubbed
}

func scrubValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		scrubbed := ScrubCredentials(v)
		return scrubbed, scrubbed != v
	case map[string]any:
		var out map[string]any
		for key, item := range v {
			scrubbed, changed := scrubValue(item)
			if !changed {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(v))
				for k, original := range v {
					out[k] = original
				}
			}
			out[key] = scrubbed
		}
		if out == nil {
			return v, false
		}
		return out, true
	case []any:
		var out []any
		for i, item := range v {
			scrubbed, changed := scrubValue(item)
			if !changed {
				continue
			}
			if out == nil {
				out = make([]any, len(v))
				copy(out, v)
			}
			out[i] = scrubbed
		}
		if out == nil {
			return v, false
		}
		return out, true
	default:
		return value, false
	}
}
