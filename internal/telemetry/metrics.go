package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_jobs_retried_total", Help: "Jobs that failed and were requeued"})
	JobsDead         = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_jobs_dead_total", Help: "Jobs moved to the dead-letter state"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_jobs_reclaimed_total", Help: "Stuck processing jobs swept back to pending"})
	WebhooksReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_webhooks_received_total", Help: "Provider webhook callbacks accepted"})
	WebhooksDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_webhooks_dropped_total", Help: "Webhook callbacks whose enqueue failed"})
	OrdersCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_orders_created_total", Help: "Orders created with seats reserved"})
	OrdersSoldOut    = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_orders_sold_out_total", Help: "Order attempts rejected for insufficient seats"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "boxoffice_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	PendingJobsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "boxoffice_jobs_pending", Help: "Jobs ready to run"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "boxoffice_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsRetried,
			JobsDead,
			JobsReclaimed,
			WebhooksReceived,
			WebhooksDropped,
			OrdersCreated,
			OrdersSoldOut,
			RateLimitRejects,
			PendingJobsGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
