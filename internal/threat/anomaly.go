package threat

import (
	"math"
	"sync"
)

const anomalyMinSamples = 5

// AnomalyDetector reports how far a sample deviates from a rolling window of
// prior samples, scaled against a fixed sigma threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    []float64
	size      int
	threshold float64
}

// NewAnomalyDetector creates a detector over the last size samples.
func NewAnomalyDetector(size int, threshold float64) *AnomalyDetector {
	if size <= 0 {
		size = 20
	}
	if threshold <= 0 {
		threshold = 2.5
	}
	return &AnomalyDetector{size: size, threshold: threshold}
}

// Detect returns min(1, |x-mean|/σ / threshold) against the current window,
// or 0 while fewer than five samples exist. The sample joins the window only
// after the result is computed, so it is never compared with itself.
func (d *AnomalyDetector) Detect(sample float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	score := d.score(sample)

	d.window = append(d.window, sample)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	return score
}

func (d *AnomalyDetector) score(sample float64) float64 {
	if len(d.window) < anomalyMinSamples {
		return 0
	}
	mean, variance := meanVariance(d.window)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	deviation := math.Abs(sample-mean) / std
	return math.Min(1, deviation/d.threshold)
}

// Samples returns the current window length.
func (d *AnomalyDetector) Samples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

// Reset clears the window.
func (d *AnomalyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}
