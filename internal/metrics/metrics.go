package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	LedgerOperations *prometheus.CounterVec
	LedgerLatency    *prometheus.HistogramVec
	AccrualCredits   *prometheus.CounterVec
	MessageRewards   *prometheus.CounterVec
	Purchases        *prometheus.CounterVec
	ResetWorkflow    *prometheus.CounterVec
	RankingPublish   *prometheus.CounterVec
	WAIncoming       *prometheus.CounterVec
	WAOutgoing       *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Total ledger operations by operation and outcome.",
			}, []string{"op", "status"}),
			LedgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			AccrualCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accrual_credits_total",
				Help:      "Voice presence credits by outcome.",
			}, []string{"outcome"}),
			MessageRewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_rewards_total",
				Help:      "Inbound messages tracked by reward outcome.",
			}, []string{"outcome"}),
			Purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Confirmed payments processed by outcome.",
			}, []string{"outcome"}),
			ResetWorkflow: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reset_workflow_total",
				Help:      "Bulk reset tickets by resolution.",
			}, []string{"outcome"}),
			RankingPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ranking_publish_total",
				Help:      "Scheduled ranking publications by status.",
			}, []string{"status"}),
			WAIncoming: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.LedgerOperations,
			metricsInstance.LedgerLatency,
			metricsInstance.AccrualCredits,
			metricsInstance.MessageRewards,
			metricsInstance.Purchases,
			metricsInstance.ResetWorkflow,
			metricsInstance.RankingPublish,
			metricsInstance.WAIncoming,
			metricsInstance.WAOutgoing,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
