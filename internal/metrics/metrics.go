// Package metrics exposes Prometheus collectors for the ledger, the balance
// cache, the admission limiter and the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"tonix/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tonix"

// Metrics owns a private registry so that tests and multiple instances do not
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	ticketsSold   prometheus.Counter
	amountPaid    prometheus.Counter
	draws         prometheus.Counter
	prizesPaid    prometheus.Counter
	participants  prometheus.Histogram
	rejections    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	rateLimited   prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticketsSold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tickets_sold_total",
			Help:      "Tickets appended to open rounds.",
		}),
		amountPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "ticket_payments_total",
			Help:      "Sum of ticket payments in base units.",
		}),
		draws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "draws_total",
			Help:      "Rounds closed by a successful draw.",
		}),
		prizesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "prizes_paid_total",
			Help:      "Sum of prizes credited in base units.",
		}),
		participants: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "round_participants",
			Help:      "Participants per closed round.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Rejected operations by error code.",
		}, []string{"op", "code"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Balance cache lookups by result.",
		}, []string{"result"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_attempts_total",
			Help:      "Upstream fetch attempts by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "denied_total",
			Help:      "Requests denied by the admission limiter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		m.ticketsSold,
		m.amountPaid,
		m.draws,
		m.prizesPaid,
		m.participants,
		m.rejections,
		m.cacheLookups,
		m.fetchAttempts,
		m.rateLimited,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnTicket counts a committed purchase.
func (m *Metrics) OnTicket(t models.Ticket) {
	m.ticketsSold.Inc()
	m.amountPaid.Add(float64(t.Paid))
}

// OnDraw counts a closed round.
func (m *Metrics) OnDraw(r models.DrawResult) {
	m.draws.Inc()
	m.prizesPaid.Add(float64(r.PrizeAmount))
	m.participants.Observe(float64(r.ParticipantCount))
}

// Rejected counts a ledger operation that failed with a stable error code.
func (m *Metrics) Rejected(op string, code int) {
	m.rejections.WithLabelValues(op, strconv.Itoa(code)).Inc()
}

// CacheHit counts a lookup served from a fresh entry.
func (m *Metrics) CacheHit() {
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss counts a lookup that had to go upstream.
func (m *Metrics) CacheMiss() {
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// FetchAttempt counts one upstream call.
func (m *Metrics) FetchAttempt(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

// RateLimited counts a denied request.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// ObserveRequest records one finished HTTP request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
