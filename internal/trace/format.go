package trace

import (
	"fmt"
	"math"
)

// FormatDuration renders seconds for display.
func FormatDuration(seconds *float64) string {
	if seconds == nil {
		return "–"
	}
	value := *seconds
	switch {
	case value < 1:
		return fmt.Sprintf("%dms", int64(math.Round(value*1000)))
	case value < 60:
		return fmt.Sprintf("%.2fs", value)
	default:
		minutes := math.Floor(value / 60)
		return fmt.Sprintf("%dm %.1fs", int64(minutes), value-minutes*60)
	}
}
