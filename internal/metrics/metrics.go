package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed work.
	OutcomeSuccess = "success"
	// OutcomeError labels failed work (exhausted retries or hard failures).
	OutcomeError = "error"
	// OutcomeSkipped labels jobs that resolved as benign no-ops.
	OutcomeSkipped = "skipped"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opslens",
			Name:      "jobs_total",
			Help:      "Background jobs executed, partitioned by job type and outcome.",
		},
		[]string{"job", "outcome"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opslens",
			Name:      "job_seconds",
			Help:      "Background job execution latency in seconds.",
			Buckets:   []float64{0.05, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"job"},
	)

	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opslens",
			Name:      "inbound_events_total",
			Help:      "Inbound webhook events, partitioned by source and result.",
		},
		[]string{"source", "result"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opslens",
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook delivery attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	providerCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opslens",
			Name:      "provider_call_seconds",
			Help:      "Inference provider call latency in seconds, partitioned by call class.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"call"},
	)
)

// Register attaches opslens collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		jobsTotal,
		jobDurationSeconds,
		inboundEventsTotal,
		deliveriesTotal,
		providerCallSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveJob records a job execution duration and outcome.
func ObserveJob(job string, duration time.Duration, outcome string) {
	jobsTotal.WithLabelValues(job, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveInbound records an inbound webhook event result.
func ObserveInbound(source, result string) {
	inboundEventsTotal.WithLabelValues(source, result).Inc()
}

// ObserveDelivery records an outbound delivery outcome.
func ObserveDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProviderCall records an inference call duration by call class.
func ObserveProviderCall(call string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	providerCallSeconds.WithLabelValues(call).Observe(duration.Seconds())
}
