package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnomalyColdStart(t *testing.T) {
	d := NewAnomalyDetector(20, 2.5)
	for i := 0; i < anomalyMinSamples; i++ {
		assert.Zero(t, d.Detect(float64(i*100)), "sample %d", i)
	}
	assert.Equal(t, anomalyMinSamples, d.Samples())
}

func TestAnomalyConstantWindow(t *testing.T) {
	d := NewAnomalyDetector(20, 2.5)
	for i := 0; i < 10; i++ {
		d.Detect(0.5)
	}
	assert.Zero(t, d.Detect(0.9))
}

func TestAnomalyOutlier(t *testing.T) {
	d := NewAnomalyDetector(20, 2.5)
	for _, x := range []float64{0.5, 0.52, 0.48, 0.51, 0.49, 0.5} {
		d.Detect(x)
	}
	assert.Equal(t, 1.0, d.Detect(5))

	// The outlier itself is now part of the window.
	assert.Less(t, d.Detect(0.5), 1.0)
}

func TestAnomalyWindowBounded(t *testing.T) {
	d := NewAnomalyDetector(3, 2.5)
	for i := 0; i < 10; i++ {
		d.Detect(float64(i))
	}
	assert.Equal(t, 3, d.Samples())
}
