package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.KeyCreated()
	m.KeysRetired(2)
	m.KeysPurged(3)
	m.Saved(nil)
	m.Saved(errors.New("boom"))
	m.SaveConflict()
	m.Lookup(true)
	m.Lookup(false)
	m.Lookup(false)
	m.JobRun("rotate", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.keysRetired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.keysPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saveConflicts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("rotate", "ok")))
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.KeyCreated()
		m.KeysRetired(1)
		m.KeysPurged(1)
		m.Saved(nil)
		m.SaveConflict()
		m.Lookup(true)
		m.JobRun("purge", nil)
	})
}
