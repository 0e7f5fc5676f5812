package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)
	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveWebSocketConnections))
	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveWebSocketConnections))
}

func TestMatchesFormedCounter(t *testing.T) {
	MatchesFormed.WithLabelValues("dhiha-ei").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(MatchesFormed.WithLabelValues("dhiha-ei")))
}
