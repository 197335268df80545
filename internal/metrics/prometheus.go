package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instruments — прометеевское зеркало агрегатора: те же факты, но в виде
// counter/gauge/histogram для внешнего скрейпа.
type Instruments struct {
	// Latency: сколько заняла обработка, с разбивкой по исходу
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во завершенных запросов
	RequestsTotal *prometheus.CounterVec

	// Tokens: суммарный расход токенов
	TokensTotal prometheus.Counter

	// Saturation: сколько запросов сейчас в работе
	ActiveRequests prometheus.Gauge

	// Alerting: кол-во активных алертов
	ActiveAlerts prometheus.Gauge
}

func NewInstruments(reg prometheus.Registerer) *Instruments {
	// Null Object Pattern — если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Instruments{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_request_duration_seconds",
			Help:    "Histogram of agent request latencies.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent_label", "status"}),

		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_requests_total",
			Help: "Total number of completed agent requests.",
		}, []string{"agent_label", "status"}),

		TokensTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agent_tokens_total",
			Help: "Total number of tokens reported by the backend.",
		}),

		ActiveRequests: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_requests",
			Help: "Number of requests currently in flight.",
		}),

		ActiveAlerts: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_alerts",
			Help: "Number of currently unresolved alerts.",
		}),
	}
}

// Observe переносит завершенную метрику в прометеевские инструменты.
func (i *Instruments) Observe(m RequestMetric) {
	status := "success"
	if !m.Success {
		status = "failed"
	}
	i.RequestsTotal.WithLabelValues(m.AgentLabel, status).Inc()
	i.RequestDuration.WithLabelValues(m.AgentLabel, status).Observe(m.Latency().Seconds())
	if m.Tokens > 0 {
		i.TokensTotal.Add(float64(m.Tokens))
	}
	i.ActiveRequests.Dec()
}
