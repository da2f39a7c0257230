package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Placeholder shown while a value is not known yet.
const Unknown = "..."

// FormatSize renders a byte count; zero means the size is unknown.
func FormatSize(n int64) string {
	if n <= 0 {
		return Unknown
	}
	return humanize.Bytes(uint64(n))
}

// FormatSpeed renders bytes per second.
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return Unknown
	}
	return humanize.Bytes(uint64(bps)) + "/s"
}

// FormatETA renders remaining seconds, e.g. "5m23s".
func FormatETA(sec int64) string {
	if sec <= 0 {
		return Unknown
	}
	return (time.Duration(sec) * time.Second).String()
}

// FormatPercent renders a 0-100 percentage with at most one decimal.
func FormatPercent(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d%%", int64(p))
	}
	return fmt.Sprintf("%.1f%%", p)
}

// FormatDate renders a creation time relative to now.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

// TruncateWithEllipsis truncates text to maxRunes and appends an ellipsis when needed.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
