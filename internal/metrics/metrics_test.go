package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisedGaugeFollowsTracker(t *testing.T) {
	n := int64(3)
	TrackSupervised(func() int64 { return n })

	want := `
# HELP twitchwatch_supervised_goroutines Goroutines currently running under the daemon supervisor
# TYPE twitchwatch_supervised_goroutines gauge
twitchwatch_supervised_goroutines 3
`
	require.NoError(t, testutil.GatherAndCompare(Registry, strings.NewReader(want), "twitchwatch_supervised_goroutines"))

	n = 0
	require.NoError(t, testutil.GatherAndCompare(Registry,
		strings.NewReader(strings.Replace(want, "goroutines 3", "goroutines 0", 1)),
		"twitchwatch_supervised_goroutines"))
}

func TestDeliveriesAreLabelledPerSink(t *testing.T) {
	before := testutil.ToFloat64(Deliveries.WithLabelValues("dbus", "failed"))
	Deliveries.WithLabelValues("dbus", "failed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Deliveries.WithLabelValues("dbus", "failed")))
}
