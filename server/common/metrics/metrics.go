package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the scan pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PublishedTotal      *prometheus.CounterVec
	BrokerConnections   prometheus.Gauge
	ConsumerTenants     *prometheus.GaugeVec
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	InfectedRemovals    *prometheus.CounterVec
	DomainEventsTotal   *prometheus.CounterVec
	ConsumerStartupTime prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanman",
			Name:      "published_messages_total",
			Help:      "Messages published to tenant brokers",
		}, []string{"tenant", "type", "status"}),
		BrokerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scanman",
			Name:      "broker_connections",
			Help:      "Cached publish connections",
		}),
		ConsumerTenants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scanman",
			Name:      "consumer_tenants",
			Help:      "Tenants per consumer state",
		}, []string{"state"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanman",
			Name:      "deliveries_total",
			Help:      "Scan result deliveries by outcome",
		}, []string{"tenant", "outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scanman",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent handling one delivery including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		InfectedRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanman",
			Name:      "infected_file_removals_total",
			Help:      "Infected file removal attempts",
		}, []string{"tenant", "status"}),
		DomainEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanman",
			Name:      "domain_events_total",
			Help:      "Domain events dispatched after commit",
		}, []string{"kind"}),
		ConsumerStartupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scanman",
			Name:      "consumer_startup_seconds",
			Help:      "Time to start one tenant consumer",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PublishedTotal,
		m.BrokerConnections,
		m.ConsumerTenants,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.InfectedRemovals,
		m.DomainEventsTotal,
		m.ConsumerStartupTime,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePublish(tenantID, msgType, status string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(tenantID, msgType, status).Inc()
}

func (m *Metrics) SetBrokerConnections(n int) {
	if m == nil {
		return
	}
	m.BrokerConnections.Set(float64(n))
}

func (m *Metrics) SetConsumerTenants(counts map[string]int) {
	if m == nil {
		return
	}
	m.ConsumerTenants.Reset()
	for state, n := range counts {
		m.ConsumerTenants.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) ObserveDelivery(tenantID, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(tenantID, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) ObserveInfectedRemoval(tenantID, status string) {
	if m == nil {
		return
	}
	m.InfectedRemovals.WithLabelValues(tenantID, status).Inc()
}

func (m *Metrics) ObserveDomainEvent(kind string) {
	if m == nil {
		return
	}
	m.DomainEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveConsumerStartup(seconds float64) {
	if m == nil {
		return
	}
	m.ConsumerStartupTime.Observe(seconds)
}
