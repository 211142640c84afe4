// Package stats samples interface traffic and formats byte counts and rates.
package stats

import (
	"fmt"
	"time"
)

const (
	// Binary unit multipliers (1024-based).
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

// binaryUnits is ordered from largest to smallest.
var binaryUnits = []struct {
	size   float64
	suffix string
}{
	{tib, "TiB"},
	{gib, "GiB"},
	{mib, "MiB"},
	{kib, "KiB"},
}

func formatScaled(value float64, base, suffix string) string {
	for _, u := range binaryUnits {
		if value >= u.size {
			return fmt.Sprintf("%.1f %s%s", value/u.size, u.suffix, suffix)
		}
	}
	return fmt.Sprintf("%.0f %s%s", value, base, suffix)
}

// FormatBytes formats a byte count using binary units (KiB, MiB, GiB, TiB).
func FormatBytes(bytes uint64) string {
	if bytes < kib {
		return fmt.Sprintf("%d B", bytes)
	}
	return formatScaled(float64(bytes), "B", "")
}

// FormatRate formats a bytes-per-second rate as reported by bandwhich.
// Negative rates are shown as zero.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return formatScaled(bytesPerSec, "B", "/s")
}

// FormatTransfer formats an upload/download pair, e.g. "↑ 1.0 KiB/s ↓ 12 B/s".
func FormatTransfer(upload, download float64) string {
	return fmt.Sprintf("↑ %s ↓ %s", FormatRate(upload), FormatRate(download))
}

// FormatDuration formats a duration in a human-readable format.
// Returns formats like "1h 23m 45s", "23m 45s", or "45s" depending on duration.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
