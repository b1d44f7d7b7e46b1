package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_ticks_total",
			Help: "Total number of alert evaluation ticks by outcome",
		},
		[]string{"status"},
	)
	alertsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Total number of alerts that reached their target",
		},
	)
	alertSaveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_save_failures_total",
			Help: "Total number of users whose fired alerts could not be removed",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alert_tick_duration_seconds",
			Help:    "Duration of alert evaluation ticks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(alertsFiredTotal)
	prometheus.MustRegister(alertSaveFailuresTotal)
	prometheus.MustRegister(tickDuration)
}

func observeTick(r TickResult) {
	ticksTotal.WithLabelValues(string(r.Status)).Inc()
	alertsFiredTotal.Add(float64(r.FiredCount()))
	for _, u := range r.Users {
		if u.SaveErr != nil {
			alertSaveFailuresTotal.Inc()
		}
	}
	tickDuration.Observe(r.Duration.Seconds())
}
