package metrics

/*
Файл aggregator.go превращает поток исходов отдельных запросов в системные
показатели: rpm/tpm, перцентили латентности, success rate — без неограниченного
роста памяти. История хранится в кольцевом буфере фиксированной емкости,
старейшие записи вытесняются. Счетчики времени жизни монотонны и от
вытеснения не зависят.
*/

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestMetric — одна завершенная (успешно или нет) единица работы. Иммутабельна.
type RequestMetric struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id,omitempty"`
	AgentLabel string    `json:"agent_label"`
	Kind       string    `json:"kind"`
	CustomerID string    `json:"customer_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Tokens     int       `json:"tokens,omitempty"`
	Tools      []string  `json:"tools,omitempty"`
	Intent     string    `json:"intent,omitempty"`
}

// Latency — длительность запроса; всегда неотрицательна.
func (m RequestMetric) Latency() time.Duration {
	if m.EndedAt.Before(m.StartedAt) {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Outcome — итог запроса, передаваемый в Complete.
type Outcome struct {
	Success bool
	Error   string
	Tokens  int
	Tools   []string // уже дедуплицированный список имен инструментов
	Intent  string
}

// Handle связывает StartRequest с Complete. Одноразовый.
type Handle struct {
	id         string
	traceID    string
	agentLabel string
	kind       string
	customerID string
	startedAt  time.Time

	completed int32 // атомарный флаг: Complete строго один раз
}

// ID возвращает идентификатор запроса.
func (h *Handle) ID() string { return h.id }

// SystemSnapshot — производное состояние системы. Никогда не персистится,
// всегда чистая функция от текущего окна и счетчиков.
type SystemSnapshot struct {
	RequestsPerMinute float64 `json:"requests_per_minute"`
	TokensPerMinute   float64 `json:"tokens_per_minute"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	MedianLatencyMs   float64 `json:"median_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	P99LatencyMs      float64 `json:"p99_latency_ms"`
	SuccessRate       float64 `json:"success_rate"`
	ErrorRate         float64 `json:"error_rate"`
	ActiveRequests    int     `json:"active_requests"`
	WindowSize        int     `json:"window_size"`

	TotalStarted   uint64 `json:"total_started"`
	TotalCompleted uint64 `json:"total_completed"`
	TotalFailed    uint64 `json:"total_failed"`
}

// Thresholds — статические пороги алертов.
type Thresholds struct {
	ErrorRateWarning  float64
	ErrorRateCritical float64
	QueueDepthWarning int
	LatencyP95Warning time.Duration
}

// Aggregator — единственный владелец окна метрик. Все мутации под мьютексом,
// секции короткие: читатели не блокируют писателей надолго.
type Aggregator struct {
	mu sync.Mutex

	history []RequestMetric // кольцевой буфер
	head    int             // позиция следующей записи
	size    int

	active         int
	totalStarted   uint64
	totalCompleted uint64
	totalFailed    uint64

	thresholds Thresholds
	alerts     map[AlertKind]*Alert
	resolved   []Alert // хвост истории закрытых алертов

	// queueDepth подставляется при сборке: глубина Admission Queue для алертов.
	queueDepth func() int

	prom   *Instruments
	logger *zap.Logger

	now func() time.Time // подменяется в тестах
}

func NewAggregator(historySize int, thresholds Thresholds, prom *Instruments, logger *zap.Logger) *Aggregator {
	if historySize <= 0 {
		historySize = 500
	}
	return &Aggregator{
		history:    make([]RequestMetric, historySize),
		thresholds: thresholds,
		alerts:     make(map[AlertKind]*Alert),
		queueDepth: func() int { return 0 },
		prom:       prom,
		logger:     logger.With(zap.String("mod", "metrics")),
		now:        time.Now,
	}
}

// SetQueueDepthProvider подключает источник глубины очереди для алертов.
func (a *Aggregator) SetQueueDepthProvider(fn func() int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueDepth = fn
}

// StartRequest фиксирует начало запроса. Всегда успешен.
func (a *Aggregator) StartRequest(agentLabel, kind, customerID string) *Handle {
	h := &Handle{
		id:         uuid.New().String(),
		agentLabel: agentLabel,
		kind:       kind,
		customerID: customerID,
		startedAt:  time.Now(),
	}

	a.mu.Lock()
	a.active++
	a.totalStarted++
	a.mu.Unlock()

	if a.prom != nil {
		a.prom.ActiveRequests.Inc()
	}
	return h
}

// SetTraceID прикрепляет сквозной ID к будущей метрике.
func (h *Handle) SetTraceID(traceID string) { h.traceID = traceID }

// Complete закрывает запрос: пишет RequestMetric в окно, обновляет счетчики
// и пересчитывает алерты. Повторный вызов с тем же Handle игнорируется —
// двойной учет такая же ошибка, как и нулевой.
func (a *Aggregator) Complete(h *Handle, out Outcome) {
	if h == nil || !atomic.CompareAndSwapInt32(&h.completed, 0, 1) {
		return
	}

	m := RequestMetric{
		ID:         h.id,
		TraceID:    h.traceID,
		AgentLabel: h.agentLabel,
		Kind:       h.kind,
		CustomerID: h.customerID,
		StartedAt:  h.startedAt,
		EndedAt:    time.Now(),
		Success:    out.Success,
		Error:      out.Error,
		Tokens:     out.Tokens,
		Tools:      out.Tools,
		Intent:     out.Intent,
	}

	a.mu.Lock()
	a.history[a.head] = m
	a.head = (a.head + 1) % len(a.history)
	if a.size < len(a.history) {
		a.size++
	}
	a.active--
	a.totalCompleted++
	if !out.Success {
		a.totalFailed++
	}
	a.evaluateAlertsLocked(a.now())
	a.mu.Unlock()

	if a.prom != nil {
		a.prom.Observe(m)
	}
}

// GetSystemMetrics пересчитывает SystemSnapshot по текущему окну.
func (a *Aggregator) GetSystemMetrics() SystemSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(a.now())
}

// Recent возвращает до limit последних метрик, новые первыми.
func (a *Aggregator) Recent(limit int) []RequestMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > a.size {
		limit = a.size
	}
	out := make([]RequestMetric, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.head - 1 - i + len(a.history)) % len(a.history)
		out = append(out, a.history[idx])
	}
	return out
}

// --- вычисления (под мьютексом) ---

func (a *Aggregator) snapshotLocked(now time.Time) SystemSnapshot {
	snap := SystemSnapshot{
		ActiveRequests: a.active,
		WindowSize:     a.size,
		TotalStarted:   a.totalStarted,
		TotalCompleted: a.totalCompleted,
		TotalFailed:    a.totalFailed,
	}
	if a.size == 0 {
		// Пустое окно — нули везде, никакого деления на ноль
		return snap
	}

	windowStart := now.Add(-time.Minute)
	latencies := make([]float64, 0, a.size)
	var latencySum float64
	var successes, windowRequests, windowTokens int

	for i := 0; i < a.size; i++ {
		idx := (a.head - 1 - i + len(a.history)) % len(a.history)
		m := a.history[idx]

		ms := float64(m.Latency().Milliseconds())
		latencies = append(latencies, ms)
		latencySum += ms
		if m.Success {
			successes++
		}
		if m.StartedAt.After(windowStart) {
			windowRequests++
			windowTokens += m.Tokens
		}
	}

	sort.Float64s(latencies)
	snap.AvgLatencyMs = latencySum / float64(a.size)
	snap.MedianLatencyMs = nearestRank(latencies, 50)
	snap.P95LatencyMs = nearestRank(latencies, 95)
	snap.P99LatencyMs = nearestRank(latencies, 99)
	snap.SuccessRate = float64(successes) / float64(a.size)
	snap.ErrorRate = 1 - snap.SuccessRate
	snap.RequestsPerMinute = float64(windowRequests)
	snap.TokensPerMinute = float64(windowTokens)
	return snap
}

// nearestRank — перцентиль методом ближайшего ранга (без интерполяции,
// ради детерминизма). Вход обязан быть отсортирован.
func nearestRank(sorted []float64, percentile int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (percentile*len(sorted) + 99) / 100 // ceil(p/100 * n)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
