package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Classifications.WithLabelValues("high").Inc()
	m.ThreatScore.Observe(72)
	m.ActiveTokens.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agies_classifications_total")
	assert.Contains(t, names, "agies_threat_score")
	assert.Contains(t, names, "agies_active_tokens")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveTokens))
}

func TestNewWithoutRegistry(t *testing.T) {
	a, b := New(nil), New(nil)
	a.Exports.WithLabelValues("ok").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Exports.WithLabelValues("ok")))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(""))
	assert.Equal(t, "RATE_LIMITED", Result("RATE_LIMITED"))
}
