package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetWorkers(3, 1)
	m.BuildFinished("docker", "success", 2*time.Second)
	m.BuildFinished("docker", "success", 0)
	m.TaskAttempt("build_container")
	m.PruneRan()
	m.PruneDeferred()
	m.PruneDeferred()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.workersLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workersWorking))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("docker", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskAttempts.WithLabelValues("build_container")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pruneRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pruneDeferred))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetWorkers(1, 1)
		m.BuildFinished("singularity", "failed", time.Second)
		m.TaskAttempt("repo2docker_container")
		m.PruneRan()
		m.PruneDeferred()
	})
}
