package health

import (
	"net/http"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/metrics"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/queue"
)

// Status — композитный вердикт здоровья шлюза.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check — состояние одного компонента внутри общего вердикта.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report — ответ health-эндпоинта.
type Report struct {
	Status         Status           `json:"status"`
	Checks         map[string]Check `json:"checks"`
	ActiveAlerts   int              `json:"active_alerts"`
	CriticalAlerts int              `json:"critical_alerts"`
}

// MergedMetrics — объединенный read-only срез обоих stateful-компонентов.
type MergedMetrics struct {
	System metrics.SystemSnapshot `json:"system"`
	Queue  queue.Snapshot         `json:"queue"`
	Alerts []metrics.Alert        `json:"alerts"`
}

// Reporter выводит вердикт из снапшотов очереди и агрегатора. Состояния
// своего не имеет: каждый вызов — чистая функция от текущих снапшотов.
type Reporter struct {
	queue            *queue.AdmissionQueue
	agg              *metrics.Aggregator
	errorRateWarning float64
}

func NewReporter(q *queue.AdmissionQueue, agg *metrics.Aggregator, errorRateWarning float64) *Reporter {
	return &Reporter{queue: q, agg: agg, errorRateWarning: errorRateWarning}
}

// GetHealth собирает композитный вердикт:
// unhealthy — активный critical-алерт или очередь в упор;
// degraded  — warning-сигналы (алерты, error rate выше порога, пауза приема);
// healthy   — всё остальное.
func (r *Reporter) GetHealth() Report {
	qs := r.queue.MetricsSnapshot()
	snap := r.agg.GetSystemMetrics()
	alerts := r.agg.ActiveAlerts()

	criticals := 0
	for _, a := range alerts {
		if a.Severity == metrics.SeverityCritical {
			criticals++
		}
	}

	report := Report{
		Checks:         make(map[string]Check),
		ActiveAlerts:   len(alerts),
		CriticalAlerts: criticals,
	}

	queueCheck := Check{Status: StatusHealthy}
	switch {
	case qs.CurrentQueueSize >= qs.MaxQueueDepth && qs.MaxQueueDepth > 0:
		queueCheck = Check{Status: StatusUnhealthy, Message: "queue at capacity"}
	case qs.Paused:
		queueCheck = Check{Status: StatusDegraded, Message: "admissions paused"}
	}
	report.Checks["queue"] = queueCheck

	metricsCheck := Check{Status: StatusHealthy}
	switch {
	case criticals > 0:
		metricsCheck = Check{Status: StatusUnhealthy, Message: "critical alert active"}
	case snap.WindowSize > 0 && snap.ErrorRate > r.errorRateWarning:
		metricsCheck = Check{Status: StatusDegraded, Message: "error rate above warning threshold"}
	case len(alerts) > 0:
		metricsCheck = Check{Status: StatusDegraded, Message: "warning alerts active"}
	}
	report.Checks["metrics"] = metricsCheck

	report.Status = StatusHealthy
	for _, c := range report.Checks {
		switch {
		case c.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case c.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// GetMetrics — объединенный срез для внешнего репортинга.
func (r *Reporter) GetMetrics() MergedMetrics {
	return MergedMetrics{
		System: r.agg.GetSystemMetrics(),
		Queue:  r.queue.MetricsSnapshot(),
		Alerts: r.agg.ActiveAlerts(),
	}
}

// HTTPStatus отображает вердикт в код ответа: unhealthy — 503, остальное — 200.
func HTTPStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
