// Package metrics exposes the per-subgroup progress columns as
// Prometheus gauges: stable_num, persisted_num, verified_num, and the
// suspicion popcount, so an operator can watch virtual synchrony and
// durability converge the way spec.md §8's testable properties expect
// them to.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// Registry bundles every gauge this core exports, labeled by subgroup
// (and, for suspicion, not labeled further since it is a group-wide
// popcount).
type Registry struct {
	StableNum    *prometheus.GaugeVec
	PersistedNum *prometheus.GaugeVec
	VerifiedNum  *prometheus.GaugeVec
	Suspicion    prometheus.Gauge
	ViewID       prometheus.Gauge
}

// New registers every gauge against reg (pass prometheus.NewRegistry()
// for an isolated test registry, or a shared one for a real process).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		StableNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "derecho",
			Name:      "stable_num",
			Help:      "Highest round-robin schedule position known stable, per subgroup.",
		}, []string{"subgroup"}),
		PersistedNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "derecho",
			Name:      "persisted_num",
			Help:      "Highest version persisted to the local durable log, per subgroup.",
		}, []string{"subgroup"}),
		VerifiedNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "derecho",
			Name:      "verified_num",
			Help:      "Highest version whose signature chain has verified across the shard, per subgroup.",
		}, []string{"subgroup"}),
		Suspicion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "derecho",
			Name:      "suspicion_count",
			Help:      "Number of members currently suspected by this replica's effective suspicion set.",
		}),
		ViewID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "derecho",
			Name:      "view_id",
			Help:      "This replica's currently installed view id.",
		}),
	}
	reg.MustRegister(r.StableNum, r.PersistedNum, r.VerifiedNum, r.Suspicion, r.ViewID)
	return r
}

func subgroupLabel(sg ids.SubgroupID) string {
	return strconv.FormatUint(uint64(sg), 10)
}

// ObserveStable records sg's current stable position.
func (r *Registry) ObserveStable(sg ids.SubgroupID, value uint64) {
	r.StableNum.WithLabelValues(subgroupLabel(sg)).Set(float64(value))
}

// ObservePersisted records sg's current persisted_num.
func (r *Registry) ObservePersisted(sg ids.SubgroupID, value ids.Version) {
	r.PersistedNum.WithLabelValues(subgroupLabel(sg)).Set(float64(value))
}

// ObserveVerified records sg's current verified_num.
func (r *Registry) ObserveVerified(sg ids.SubgroupID, value ids.Version) {
	r.VerifiedNum.WithLabelValues(subgroupLabel(sg)).Set(float64(value))
}

// ObserveSuspicion records the popcount of this replica's effective
// suspicion set.
func (r *Registry) ObserveSuspicion(count int) {
	r.Suspicion.Set(float64(count))
}

// ObserveView records the currently installed view id.
func (r *Registry) ObserveView(v ids.ViewID) {
	r.ViewID.Set(float64(v))
}
