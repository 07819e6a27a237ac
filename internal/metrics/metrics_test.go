package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/derecho-go/derecho-core/internal/ids"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestRegistry_ObserveRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveStable(1, 299)
	r.ObservePersisted(1, ids.Version(300))
	r.ObserveVerified(1, ids.Version(12))
	r.ObserveSuspicion(2)
	r.ObserveView(ids.ViewID(5))

	require.Equal(t, float64(299), gaugeValue(t, r.StableNum.WithLabelValues("1")))
	require.Equal(t, float64(300), gaugeValue(t, r.PersistedNum.WithLabelValues("1")))
	require.Equal(t, float64(12), gaugeValue(t, r.VerifiedNum.WithLabelValues("1")))
	require.Equal(t, float64(2), gaugeValue(t, r.Suspicion))
	require.Equal(t, float64(5), gaugeValue(t, r.ViewID))
}
