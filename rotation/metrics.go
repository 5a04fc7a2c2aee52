package rotation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick outcomes as reported in the rotation_ticks_total "outcome" label.
const (
	OutcomeGenerated   = "generated"
	OutcomeIdle        = "idle"
	OutcomeLockTimeout = "lock_timeout"
	OutcomeError       = "error"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	ticks         *prometheus.CounterVec
	generated     *prometheus.CounterVec
	claimed       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_ticks_total",
			Help: "Tick invocations by family and outcome.",
		}, []string{"family", "outcome"}),
		generated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_generated_items_total",
			Help: "Entries or assignments created by rotations.",
		}, []string{"family"}),
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_claimed_rewards_total",
			Help: "Settled rewards by unit (rows, coins, xp).",
		}, []string{"family", "unit"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_notifications_enqueued_total",
			Help: "Notification rows inserted by rotations.",
		}, []string{"family"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rotation_tick_duration_seconds",
			Help:    "Wall time of Tick, lease wait included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"family"}),
	}
}

func (m *Metrics) observe(res Result, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(res.Family, outcome).Inc()
	m.duration.WithLabelValues(res.Family).Observe(elapsed.Seconds())
	if outcome != OutcomeGenerated {
		return
	}
	m.generated.WithLabelValues(res.Family).Add(float64(res.ItemsGenerated))
	m.claimed.WithLabelValues(res.Family, "rows").Add(float64(res.ClaimedCount))
	m.claimed.WithLabelValues(res.Family, "coins").Add(float64(res.TotalCoinsClaimed))
	m.claimed.WithLabelValues(res.Family, "xp").Add(float64(res.TotalXPClaimed))
	m.notifications.WithLabelValues(res.Family).Add(float64(res.Notified))
}
