// Package telemetry tests for metric registration.
package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetMode_OneHot(t *testing.T) {
	all := []string{"OFFLINE", "SYNCING", "ONLINE", "DEGRADED", "RESTRICTED"}

	SetMode("DEGRADED", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(NetworkMode.WithLabelValues("DEGRADED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(NetworkMode.WithLabelValues("ONLINE")))

	SetMode("ONLINE", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(NetworkMode.WithLabelValues("DEGRADED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NetworkMode.WithLabelValues("ONLINE")))
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(PushFailures.WithLabelValues("entries", "validation"))
	PushFailures.WithLabelValues("entries", "validation").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PushFailures.WithLabelValues("entries", "validation")))
}
