package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every ancdb collector. It is separate from the Prometheus
// default registry so embedding programs keep control of theirs.
var Registry = prometheus.NewRegistry()

// events counts named occurrences such as commands and transaction outcomes.
var events = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ancdb",
	Name:      "events_total",
	Help:      "Count of ancdb events by name.",
}, []string{"event"})

// Sessions is the number of protocol sessions currently being served.
var Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "ancdb",
	Name:      "sessions",
	Help:      "Protocol sessions currently open.",
})

// CommandDuration observes command execution time by command name.
var CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ancdb",
	Name:      "command_duration_seconds",
	Help:      "Time spent executing a command.",
	Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
}, []string{"command"})

func init() {
	Registry.MustRegister(
		events,
		Sessions,
		CommandDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Inc increments a counter by 1.
func Inc(name string) {
	Add(name, 1)
}

// Add adds delta to a counter. Negative deltas are ignored since
// Prometheus counters only go up.
func Add(name string, delta int64) {
	if delta <= 0 {
		return
	}
	events.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	var m dto.Metric
	if err := events.WithLabelValues(name).Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
