package metrics

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertKind — вид алерта. На каждый вид в любой момент активен максимум один алерт.
type AlertKind string

const (
	AlertErrorRate  AlertKind = "error_rate"
	AlertQueueDepth AlertKind = "queue_depth"
	AlertLatency    AlertKind = "latency_p95"
)

// Severity — серьезность алерта.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert — пробитие порога. Живет, пока условие не уйдет; потом получает ResolvedAt.
type Alert struct {
	ID         string     `json:"id"`
	Kind       AlertKind  `json:"kind"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"` // nil, пока активен
}

const resolvedHistoryLimit = 100

// ActiveAlerts возвращает копии всех неразрешенных алертов.
func (a *Aggregator) ActiveAlerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, *alert)
	}
	return out
}

// CriticalActive — есть ли активный critical.
func (a *Aggregator) CriticalActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alert := range a.alerts {
		if alert.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ResolvedAlerts — хвост истории закрытых алертов, новые последними.
func (a *Aggregator) ResolvedAlerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.resolved...)
}

// Evaluate пересчитывает алерты немедленно. Агрегатор делает это сам на каждом
// Complete; наружу метод выставлен для тиков, не связанных с завершениями
// (например, свип очереди меняет глубину без единого Complete).
func (a *Aggregator) Evaluate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluateAlertsLocked(a.now())
}

// evaluateAlertsLocked сравнивает снапшот с порогами и двигает жизненный цикл:
// raise только если вида еще нет среди активных, resolve — когда условие ушло.
func (a *Aggregator) evaluateAlertsLocked(now time.Time) {
	snap := a.snapshotLocked(now)
	depth := a.queueDepth()

	// error rate: два порога, critical перекрывает warning
	switch {
	case a.size > 0 && snap.ErrorRate > a.thresholds.ErrorRateCritical:
		a.raiseLocked(AlertErrorRate, SeverityCritical, "error rate above critical threshold", now)
	case a.size > 0 && snap.ErrorRate > a.thresholds.ErrorRateWarning:
		a.raiseLocked(AlertErrorRate, SeverityWarning, "error rate above warning threshold", now)
	default:
		a.resolveLocked(AlertErrorRate, now)
	}

	if a.thresholds.QueueDepthWarning > 0 && depth > a.thresholds.QueueDepthWarning {
		a.raiseLocked(AlertQueueDepth, SeverityWarning, "admission queue depth above ceiling", now)
	} else {
		a.resolveLocked(AlertQueueDepth, now)
	}

	if a.thresholds.LatencyP95Warning > 0 && a.size > 0 &&
		snap.P95LatencyMs > float64(a.thresholds.LatencyP95Warning.Milliseconds()) {
		a.raiseLocked(AlertLatency, SeverityWarning, "p95 latency above threshold", now)
	} else {
		a.resolveLocked(AlertLatency, now)
	}

	if a.prom != nil {
		a.prom.ActiveAlerts.Set(float64(len(a.alerts)))
	}
}

func (a *Aggregator) raiseLocked(kind AlertKind, severity Severity, message string, now time.Time) {
	if existing, ok := a.alerts[kind]; ok {
		// Уже активен — дубликат не создаем, но серьезность актуализируем
		existing.Severity = severity
		return
	}
	alert := &Alert{
		ID:       uuid.New().String(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		RaisedAt: now,
	}
	a.alerts[kind] = alert
	a.logger.Warn("alert raised",
		zap.String("kind", string(kind)),
		zap.String("severity", string(severity)),
	)
}

func (a *Aggregator) resolveLocked(kind AlertKind, now time.Time) {
	alert, ok := a.alerts[kind]
	if !ok {
		return
	}
	resolved := now
	alert.ResolvedAt = &resolved
	delete(a.alerts, kind)

	a.resolved = append(a.resolved, *alert)
	if len(a.resolved) > resolvedHistoryLimit {
		a.resolved = a.resolved[len(a.resolved)-resolvedHistoryLimit:]
	}
	a.logger.Info("alert resolved", zap.String("kind", string(kind)))
}
