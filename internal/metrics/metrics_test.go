package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsEnqueued.WithLabelValues("default").Inc()
	m.JobsEnqueued.WithLabelValues("default").Inc()
	m.JobsInFlight.Set(3)
	m.JobDuration.WithLabelValues("say").Observe(0.2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("default")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.JobsInFlight))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "jobq_jobs_enqueued_total")
	assert.Contains(t, names, "jobq_jobs_in_flight")
	assert.Contains(t, names, "jobq_job_duration_seconds")
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewUnregistered()
		NewUnregistered()
	})
}
