package client

import (
	"math"
	"sync"
	"time"
)

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

// Stats summarizes a series of values
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
}

// NewStats computes mean, standard deviation, minimum and maximum of values
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	// initialize min and max with the first value
	min := values[0]
	max := values[0]

	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	// population formula
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(values)))

	return Stats{
		StdDeviation: stdDev,
		Min:          min,
		Max:          max,
		Mean:         mean,
	}
}

// ----------------------------------------------------------------------------
// LatencyHistogram
// ----------------------------------------------------------------------------

// LatencyHistogram tracks round trip times in exponential buckets from 50µs
// to a few seconds. The raw samples are kept for Summary.
type LatencyHistogram struct {
	mutex      sync.RWMutex
	boundaries []time.Duration
	buckets    []int64 // one more than boundaries, the last one is unbounded
	samples    []float64
}

// NewLatencyHistogram creates an empty histogram
func NewLatencyHistogram() *LatencyHistogram {
	boundaries := make([]time.Duration, 0, 16)
	for b := 50 * time.Microsecond; b <= 4*time.Second; b *= 2 {
		boundaries = append(boundaries, b)
	}
	return &LatencyHistogram{
		boundaries: boundaries,
		buckets:    make([]int64, len(boundaries)+1),
	}
}

// AddSample adds a round trip time
//
// Thread-safe: This method is safe for concurrent use
func (h *LatencyHistogram) AddSample(d time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucketIndex := len(h.boundaries)
	for i, boundary := range h.boundaries {
		if d <= boundary {
			bucketIndex = i
			break
		}
	}
	h.buckets[bucketIndex]++
	h.samples = append(h.samples, float64(d)/float64(time.Millisecond))
}

// GetCount returns the number of samples
//
// Thread-safe: This method is safe for concurrent use
func (h *LatencyHistogram) GetCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.samples)
}

// Summary returns the stats of all samples in milliseconds
func (h *LatencyHistogram) Summary() Stats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return NewStats(h.samples)
}

// Merge adds all samples of other to h
func (h *LatencyHistogram) Merge(other *LatencyHistogram) {
	other.mutex.RLock()
	samples := append([]float64(nil), other.samples...)
	other.mutex.RUnlock()

	for _, ms := range samples {
		h.AddSample(time.Duration(ms * float64(time.Millisecond)))
	}
}

// GetPercentileEstimate returns an estimate for the given percentile (0-100).
// The estimate is the upper bound of the bucket the percentile falls into.
//
// Thread-safe: This method is safe for concurrent use
func (h *LatencyHistogram) GetPercentileEstimate(percentile int) time.Duration {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := int64(len(h.samples))
	if count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	targetCount := int64(math.Ceil(float64(count) * float64(percentile) / 100.0))
	cumulativeCount := int64(0)
	for i, c := range h.buckets {
		cumulativeCount += c
		if cumulativeCount >= targetCount {
			if i < len(h.boundaries) {
				return h.boundaries[i]
			}
			// for the last bucket, estimate as 2x the last boundary
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}

	// Should never reach here
	return 0
}
