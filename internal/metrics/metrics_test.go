package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Published.WithLabelValues("orders").Inc()
	c.Settled.WithLabelValues("orders.placed.billing", OutcomeDrop).Add(2)
	c.ConnectionState.Set(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.Published.WithLabelValues("orders")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.Settled.WithLabelValues("orders.placed.billing", OutcomeDrop)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "topicbus_published_total")
	assert.Contains(t, names, "topicbus_connection_state")
}

func TestUnregisteredCollectors(t *testing.T) {
	c := New(nil)
	c.Disconnects.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Disconnects))
}
