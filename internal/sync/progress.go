package sync

import (
	"fmt"
	"time"
)

// TransferEvent is one progress report for an in-flight copy. The engine
// emits an event only when the integer percent value changes, so output
// volume stays bounded regardless of chunk count.
type TransferEvent struct {
	// Path is the destination being written.
	Path string

	// Percent of the total source size present at the destination, 0-100.
	Percent int

	// RateMBps is the smoothed transfer rate, the rolling median of
	// per-window throughput samples.
	RateMBps float64

	// ETA is the estimated remaining time. Only meaningful when ETAKnown is
	// true; a zero smoothed rate makes the remaining time unknowable.
	ETA      time.Duration
	ETAKnown bool

	// Copied counts bytes present at the destination including any resumed
	// prefix. Total is the source size.
	Copied int64
	Total  int64
}

// ETAString renders the remaining time as minutes:seconds, or "unknown" when
// no rate estimate exists yet.
func (e TransferEvent) ETAString() string {
	if !e.ETAKnown {
		return "unknown"
	}
	secs := int64(e.ETA.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// ProgressFunc receives transfer events. It is called synchronously on the
// copying goroutine.
type ProgressFunc func(TransferEvent)
