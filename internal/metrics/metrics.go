// Package metrics содержит Prometheus-счётчики коммерческого контура.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics хранит используемые сервисом коллекторы Prometheus и их реестр.
type Metrics struct {
	Registry         *prometheus.Registry
	WebhookEvents    *prometheus.CounterVec
	CheckoutSessions *prometheus.CounterVec
	Refunds          *prometheus.CounterVec
	LedgerVoided     prometheus.Counter
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry создаёт и регистрирует синглтон метрик с заданным неймспейсом.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Registry: prometheus.NewRegistry(),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Provider webhook deliveries by processing outcome.",
			}, []string{"outcome"}),
			CheckoutSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_sessions_total",
				Help:      "Checkout session creations by outcome.",
			}, []string{"outcome"}),
			Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refunds_total",
				Help:      "Refund requests by outcome.",
			}, []string{"outcome"}),
			LedgerVoided: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_entries_voided_total",
				Help:      "Ledger entries voided by the refund flow.",
			}),
		}

		metricsInstance.Registry.MustRegister(
			metricsInstance.WebhookEvents,
			metricsInstance.CheckoutSessions,
			metricsInstance.Refunds,
			metricsInstance.LedgerVoided,
		)
	})
	return metricsInstance
}
