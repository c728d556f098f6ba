package ui

import (
	"fmt"

	"github.com/bamsammich/carrange/internal/stats"
)

// completionSummary builds a final summary line from a snapshot.
// Format: done ✓  blocks 2/4  written 1.0 MiB  avg 512.0 KiB/s  time 2s  early-exit
func completionSummary(snap stats.Snapshot, failed bool) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesEmitted) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if failed {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  blocks %s/%s  written %s  avg %s  time %s",
		icon,
		FormatCount(snap.BlocksEmitted),
		FormatCount(snap.BlocksRead),
		FormatBytes(snap.BytesEmitted),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)
	if snap.EarlyExits > 0 {
		base += "  early-exit"
	}
	if snap.Passthroughs > 0 {
		base += "  passthrough"
	}
	return base
}
