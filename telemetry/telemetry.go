package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/cfg"
)

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// Vec types for labeled metrics
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type NoopStat struct{}

type noopCounterVec struct{}
type noopGaugeVec struct{}

func (n noopCounterVec) With(labels ...string) Counter { return NoopStat{} }
func (n noopGaugeVec) With(labels ...string) Gauge     { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p *prometheusGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

func (n NoopStat) Observe(float64) {
}

func (n NoopStat) Set(float64) {
}

func (n NoopStat) Dec() {
}

func (n NoopStat) Sub(float64) {
}

func (n NoopStat) SetToCurrentTime() {
}

func (n NoopStat) Inc() {
}

func (n NoopStat) Add(float64) {
}

func constLabels() map[string]string {
	return map[string]string{
		"server_name": cfg.Config.NodeName,
	}
}

func NewCounter(name string, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "wsrep",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	})
	registry.MustRegister(ret)
	return ret
}

func NewCounterVec(name string, help string, labels ...string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "wsrep",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(vec)
	return &prometheusCounterVec{vec: vec}
}

func NewGauge(name string, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "wsrep",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	})
	registry.MustRegister(ret)
	return ret
}

func NewGaugeVec(name string, help string, labels ...string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "wsrep",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(vec)
	return &prometheusGaugeVec{vec: vec}
}

// InitializeTelemetry sets up the prometheus registry and metric
// instances, and serves the scrape endpoint when enabled. Without
// initialization every metric is a noop.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		log.Info().Msg("Prometheus metrics disabled")
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	initializeMetrics()

	addr := cfg.Config.Prometheus.Address + ":" + strconv.Itoa(cfg.Config.Prometheus.Port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("Metrics endpoint failed")
		}
	}()
	log.Info().Str("address", addr).Msg("Prometheus metrics enabled")
}
