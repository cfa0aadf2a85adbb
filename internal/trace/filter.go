package trace

import (
	"strconv"
	"strings"
)

// ProviderAll disables provider filtering.
const ProviderAll = "all"

// ManifestFilter holds the raw filter inputs. Values are kept as text so an
// empty or unparseable value can act as "no constraint".
type ManifestFilter struct {
	Query        string
	Provider     string
	DurationMin  string
	DurationMax  string
	ToolCallsMin string
}

// Match reports whether m satisfies every constraint of f.
func (f ManifestFilter) Match(m Manifest) bool {
	if needle := strings.ToLower(strings.TrimSpace(f.Query)); needle != "" {
		haystack := strings.ToLower(m.TraceID + " " + m.Task + " " + m.Provider)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}

	if provider := strings.TrimSpace(f.Provider); provider != "" && provider != ProviderAll {
		if m.Provider != provider {
			return false
		}
	}

	if duration, ok := m.Duration(); ok {
		if minimum, set := parseBound(f.DurationMin); set && duration < minimum {
			return false
		}
		if maximum, set := parseBound(f.DurationMax); set && duration > maximum {
			return false
		}
	}

	if minimum, set := parseBound(f.ToolCallsMin); set {
		toolCalls := 0
		if m.ToolCallCount != nil {
			toolCalls = *m.ToolCallCount
		}
		if float64(toolCalls) < minimum {
			return false
		}
	}
	return true
}

// IsZero reports whether f constrains nothing.
func (f ManifestFilter) IsZero() bool {
	return f == ManifestFilter{}
}

// FilterManifests returns the manifests matching f, preserving order.
func FilterManifests(manifests []Manifest, f ManifestFilter) []Manifest {
	out := make([]Manifest, 0, len(manifests))
	for _, manifest := range manifests {
		if f.Match(manifest) {
			out = append(out, manifest)
		}
	}
	return out
}

func parseBound(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
