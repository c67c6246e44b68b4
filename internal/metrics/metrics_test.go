package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJobRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordJobRun(RunStats{
		Job:            "reference-cleanup",
		Outcome:        "success",
		Duration:       2 * time.Second,
		Reaped:         3,
		Errors:         1,
		BytesReclaimed: 4096,
	})
	m.RecordJobRun(RunStats{Job: "idle-archive", Outcome: "skipped", Archived: 2})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("reference-cleanup", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobErrors.WithLabelValues("reference-cleanup")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BytesReclaimed.WithLabelValues("reference-cleanup")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BlobsReaped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodesArchived))
	assert.Greater(t, testutil.ToFloat64(m.JobLastRunTime.WithLabelValues("idle-archive")), 0.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
