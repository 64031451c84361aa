package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	syncAttempts    *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	syncRejected    prometheus.Counter
	tasksClaimed    prometheus.Counter
	tasksSwept      prometheus.Counter
	suspendRuns     prometheus.Counter
	suspendedTotal  *prometheus.CounterVec
	suspendDuration prometheus.Histogram
	gatewayRequests *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	paymentsApplied *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		syncAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_sync_attempts_total",
			Help: "Sync executor attempts by provider, action and outcome.",
		}, []string{"provider", "action", "status"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netsync_sync_duration_seconds",
			Help:    "Wall time of provider calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "action"}),
		syncRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "netsync_sync_inflight_rejections_total",
			Help: "Attempts rejected because the same customer/integration was already in flight.",
		}),
		tasksClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "netsync_queue_tasks_claimed_total",
			Help: "Tasks claimed from the sync queue by workers.",
		}),
		tasksSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "netsync_queue_tasks_swept_total",
			Help: "Stale in-progress tasks returned to the queue.",
		}),
		suspendRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "netsync_autosuspend_runs_total",
			Help: "Completed auto-suspend runs.",
		}),
		suspendedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_autosuspend_customers_total",
			Help: "Customers suspended by the auto-suspend job, by network sync outcome.",
		}, []string{"synced"}),
		suspendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsync_autosuspend_duration_seconds",
			Help:    "Duration of auto-suspend runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_gateway_requests_total",
			Help: "Tenant API gateway responses by resource and status code.",
		}, []string{"resource", "code"}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netsync_gateway_request_duration_seconds",
			Help:    "Tenant API gateway latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
		paymentsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_payments_total",
			Help: "Payments received, split by whether they were duplicates.",
		}, []string{"source", "duplicate"}),
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordSync(provider, action, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.syncAttempts.WithLabelValues(provider, action, status).Inc()
	c.syncDuration.WithLabelValues(provider, action).Observe(took.Seconds())
}

func (c *Collector) RecordInFlightRejection() {
	if c == nil {
		return
	}
	c.syncRejected.Inc()
}

func (c *Collector) RecordClaimed(n int) {
	if c == nil {
		return
	}
	c.tasksClaimed.Add(float64(n))
}

func (c *Collector) RecordSwept(n int) {
	if c == nil {
		return
	}
	c.tasksSwept.Add(float64(n))
}

func (c *Collector) RecordSuspendRun(suspended, synced int, took time.Duration) {
	if c == nil {
		return
	}
	c.suspendRuns.Inc()
	c.suspendedTotal.WithLabelValues("true").Add(float64(synced))
	c.suspendedTotal.WithLabelValues("false").Add(float64(suspended - synced))
	c.suspendDuration.Observe(took.Seconds())
}

func (c *Collector) RecordGateway(resource string, code int, took time.Duration) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(resource, strconv.Itoa(code)).Inc()
	c.gatewayLatency.WithLabelValues(resource).Observe(took.Seconds())
}

func (c *Collector) RecordPayment(source string, duplicate bool) {
	if c == nil {
		return
	}
	c.paymentsApplied.WithLabelValues(source, strconv.FormatBool(duplicate)).Inc()
}
