// Package metrics exposes fleethub's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

const namespace = "fleethub"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics owns a private registry so several hubs can coexist in one
// process (tests).
type Metrics struct {
	registry *prometheus.Registry

	webhookDeliveries *prometheus.CounterVec
	webhookLatency    prometheus.Histogram
	relayDeliveries   *prometheus.CounterVec
	jobEvents         *prometheus.CounterVec
	requestTotal      *prometheus.CounterVec
	requestLatency    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.webhookDeliveries = register(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Outbound webhook deliveries by result",
	}, []string{"result"}))

	m.webhookLatency = register(m.registry, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "delivery_seconds",
		Help:      "Latency distribution of outbound webhook deliveries",
		Buckets:   histogramBuckets,
	}))

	m.relayDeliveries = register(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "deliveries_total",
		Help:      "Cross-machine deliveries by outcome",
	}, []string{"outcome"}))

	m.jobEvents = register(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "events_total",
		Help:      "Repo and job lifecycle events emitted by the router",
	}, []string{"event"}))

	m.requestTotal = register(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	m.requestLatency = register(m.registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))

	register(m.registry, collectors.NewGoCollector())
	register(m.registry, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// register adds c, reusing an already registered equivalent collector.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchBroker exports the broker's counters and gauges, read on scrape.
func (m *Metrics) WatchBroker(stats func() pubsub.Stats) {
	register(m.registry, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pubsub", Name: "published_total",
		Help: "Messages published to the broker",
	}, func() float64 { return float64(stats().TotalPublished) }))
	register(m.registry, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pubsub", Name: "delivered_total",
		Help: "Messages delivered to broker subscribers",
	}, func() float64 { return float64(stats().TotalDelivered) }))
	register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pubsub", Name: "subscriptions",
		Help: "Active broker subscriptions",
	}, func() float64 { return float64(stats().ActiveSubscriptions) }))
	register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pubsub", Name: "retained_messages",
		Help: "Retained messages held by the broker",
	}, func() float64 { return float64(stats().RetainedMessages) }))
}

// WatchRelay exports the number of registered machines.
func (m *Metrics) WatchRelay(machines func() int) {
	register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "relay", Name: "machines",
		Help: "Registered fleet machines",
	}, func() float64 { return float64(machines()) }))
}

func (m *Metrics) ObserveWebhook(d webhooks.Delivery) {
	result := "success"
	if !d.Success {
		result = "failure"
	}
	m.webhookDeliveries.WithLabelValues(result).Inc()
	m.webhookLatency.Observe((time.Duration(d.Duration) * time.Millisecond).Seconds())
}

func (m *Metrics) ObserveRelay(d relay.Delivery) {
	m.relayDeliveries.WithLabelValues(string(d.Outcome)).Inc()
}

func (m *Metrics) ObserveRouterEvent(ev router.Event) {
	m.jobEvents.WithLabelValues(ev.Name).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}
