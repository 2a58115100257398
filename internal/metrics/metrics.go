// Package metrics exposes Prometheus metrics for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of the interception layer.
// A nil *Metrics records nothing.
type Metrics struct {
	reg           *prometheus.Registry
	fetches       *prometheus.CounterVec
	installs      *prometheus.CounterVec
	bucketDeletes prometheus.Counter
	deleteErrors  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellcache_fetch_total",
				Help: "Requests answered by the controlling worker, by routing class and response source.",
			},
			[]string{"class", "source"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellcache_install_total",
				Help: "Worker installs, by result.",
			},
			[]string{"result"},
		),
		bucketDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shellcache_activate_deleted_total",
			Help: "Stale cache buckets deleted during activation.",
		}),
		deleteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shellcache_activate_delete_errors_total",
			Help: "Stale cache buckets that could not be deleted during activation.",
		}),
	}
	reg.MustRegister(m.fetches, m.installs, m.bucketDeletes, m.deleteErrors)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(class, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(class, source).Inc()
}

func (m *Metrics) ObserveInstall(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveActivation(deleted, failed int) {
	if m == nil {
		return
	}
	m.bucketDeletes.Add(float64(deleted))
	m.deleteErrors.Add(float64(failed))
}
