package sync

import "sort"

const defaultRateWindow = 10

// RollingMedian smooths transfer-rate samples over a fixed FIFO window.
// The smoothed value is the median of the window, so single-chunk throughput
// spikes do not move the ETA.
//
// Not safe for concurrent use. Each transfer owns its own instance.
type RollingMedian struct {
	window  int
	samples []float64
}

// NewRollingMedian creates an estimator keeping the last window samples.
// A window below 1 falls back to the default of 10.
func NewRollingMedian(window int) *RollingMedian {
	if window < 1 {
		window = defaultRateWindow
	}
	return &RollingMedian{
		window:  window,
		samples: make([]float64, 0, window),
	}
}

// Add records a sample, evicting the oldest once the window is full.
func (r *RollingMedian) Add(v float64) {
	if len(r.samples) >= r.window {
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, v)
}

// Median returns the median of the current window, or 0 when no samples
// have been recorded. An even-sized window reports the mean of the two
// middle values.
func (r *RollingMedian) Median() float64 {
	n := len(r.samples)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, r.samples)
	sort.Float64s(sorted)

	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Len returns the number of samples currently in the window.
func (r *RollingMedian) Len() int {
	return len(r.samples)
}
