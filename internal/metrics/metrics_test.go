package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/asynchttp/asynchttp/internal/metrics"
	"github.com/asynchttp/asynchttp/internal/model"
)

func TestMetricsSnapshot(t *testing.T) {
	m := metrics.New("test")

	m.RequestAccepted()
	m.RequestAccepted()
	m.RequestCompleted(100 * time.Millisecond)
	m.RequestErrored(string(model.ErrorTimeout), 50*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(0), snap.InFlight)
	assert.Equal(t, int64(1), snap.ErrorsByKind[string(model.ErrorTimeout)])
	assert.Equal(t, 150*time.Millisecond, snap.TotalDuration)
}

func TestMetricsReEnqueued(t *testing.T) {
	m := metrics.New("test2")
	m.RequestAccepted()
	m.RequestReEnqueued()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.ReEnqueued)
	assert.Equal(t, int64(0), snap.InFlight)
}
