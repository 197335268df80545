package queue

/*
Файл queue.go реализует Admission Queue — привратник перед модельным бэкендом.

Ключевые решения:
- Bounded Concurrency: не больше maxConcurrency запросов исполняется одновременно,
  не больше maxQueueDepth ждет слота. Переполнение — синхронный отказ, без блокировки.
- Priority Tiers: четыре уровня (urgent > high > medium > low), внутри уровня строгий
  FIFO по времени прихода. Никакого aging: голодание low под постоянным потоком
  urgent — осознанный трейд-офф, а не баг.
- Sweep: просроченные тикеты выметаются периодическим воркером, а не таймером
  на каждый тикет; точность ограничена интервалом свипа.
- Все мутации — под одним мьютексом, секции короткие. Счетчики жизненного цикла
  (received/processed/rejected/timed_out) монотонны и не зависят от вытеснения.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull — очередь на максимальной глубине, запрос отклонен сразу.
	ErrQueueFull = errors.New("queue: at max depth, request rejected")
	// ErrWaitExpired — тикет ждал слота дольше maxWait.
	ErrWaitExpired = errors.New("queue: wait deadline expired")
	// ErrMaintenance — прием запросов приостановлен оператором.
	ErrMaintenance = errors.New("queue: admissions paused for maintenance")
)

// Priority — уровень срочности запроса. Меньше — срочнее.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority разбирает строковый приоритет; незнакомое значение — medium.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// State — состояние тикета.
// Received → {Processing | Queued | Rejected}; Queued → {Processing | TimedOut};
// Processing → Processed. Rejected, TimedOut, Processed — терминальные.
type State string

const (
	StateProcessing State = "processing"
	StateQueued     State = "queued"
	StateTimedOut   State = "timed_out"
	StateProcessed  State = "processed"
)

// Ticket — один допущенный или ожидающий запрос.
// Поля под защитой мьютекса очереди; снаружи читается только через методы.
type Ticket struct {
	ID        string
	Priority  Priority
	ArrivedAt time.Time
	Deadline  time.Time

	state      State
	admittedAt time.Time
	admitted   chan struct{} // закрывается при переходе в Processing или TimedOut
	waitErr    error         // причина, если слот так и не был получен

	q *AdmissionQueue
}

// State возвращает текущее состояние тикета.
func (t *Ticket) State() State {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.state
}

// Await блокируется, пока тикет не получит слот (nil), не протухнет (ErrWaitExpired)
// или пока вызывающий не отменит ожидание через ctx.
func (t *Ticket) Await(ctx context.Context) error {
	select {
	case <-t.admitted:
		return t.waitErr
	case <-ctx.Done():
		if !t.q.abandon(t) {
			// Проиграли гонку: слот уже выдан. Держим его — вызывающий обязан
			// сделать Release на своем пути очистки.
			return t.waitErr
		}
		return ctx.Err()
	}
}

// Snapshot — read-only счетчики очереди.
type Snapshot struct {
	TotalReceived     uint64         `json:"total_received"`
	TotalProcessed    uint64         `json:"total_processed"`
	TotalRejected     uint64         `json:"total_rejected"`
	TotalTimedOut     uint64         `json:"total_timed_out"`
	CurrentProcessing int            `json:"current_processing"`
	CurrentQueueSize  int            `json:"current_queue_size"`
	QueueByPriority   map[string]int `json:"queue_by_priority"`
	AvgProcessingMs   float64        `json:"avg_processing_ms"`
	MaxConcurrency    int            `json:"max_concurrency"`
	MaxQueueDepth     int            `json:"max_queue_depth"`
	Paused            bool           `json:"paused"`
}

// AdmissionQueue ограничивает параллелизм и выдает слоты по приоритету.
type AdmissionQueue struct {
	mu sync.Mutex

	maxConcurrency int
	maxDepth       int
	maxWait        time.Duration
	sweepInterval  time.Duration

	processing int
	waiting    [numPriorities][]*Ticket

	totalReceived  uint64
	totalProcessed uint64
	totalRejected  uint64
	totalTimedOut  uint64

	processingTotal time.Duration // суммарное время обработки завершенных тикетов

	paused bool

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option настраивает очередь при создании.
type Option func(*AdmissionQueue)

// WithSweepInterval задает период выметания просроченных тикетов.
func WithSweepInterval(d time.Duration) Option {
	return func(q *AdmissionQueue) { q.sweepInterval = d }
}

func New(maxConcurrency, maxDepth int, maxWait time.Duration, logger *zap.Logger, opts ...Option) *AdmissionQueue {
	q := &AdmissionQueue{
		maxConcurrency: maxConcurrency,
		maxDepth:       maxDepth,
		maxWait:        maxWait,
		sweepInterval:  time.Second,
		logger:         logger.With(zap.String("mod", "admission_queue")),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start запускает фоновый свип просроченных тикетов.
func (q *AdmissionQueue) Start() {
	q.wg.Add(1)
	go q.sweeper()
}

// Stop останавливает свип. Уже выданные тикеты остаются валидными.
func (q *AdmissionQueue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Submit регистрирует новый запрос. Возвращает тикет либо синхронный отказ:
// ErrQueueFull при переполнении, ErrMaintenance при паузе.
// Тикет либо сразу в Processing, либо в Queued — тогда ждите его через Await.
func (q *AdmissionQueue) Submit(priority Priority, arrival time.Time) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.totalReceived++

	if q.paused {
		q.totalRejected++
		return nil, ErrMaintenance
	}

	t := &Ticket{
		ID:        uuid.New().String(),
		Priority:  priority,
		ArrivedAt: arrival,
		Deadline:  arrival.Add(q.maxWait),
		admitted:  make(chan struct{}),
		q:         q,
	}

	if q.processing < q.maxConcurrency {
		q.admitLocked(t, arrival)
		return t, nil
	}

	if q.queuedLocked() >= q.maxDepth {
		q.totalRejected++
		q.logger.Warn("request rejected: queue full",
			zap.String("priority", priority.String()),
			zap.Int("depth", q.maxDepth),
		)
		return nil, ErrQueueFull
	}

	t.state = StateQueued
	q.waiting[priority] = append(q.waiting[priority], t)
	return t, nil
}

// Release освобождает слот завершенного тикета и продвигает следующий по приоритету.
// Идемпотентен: повторный вызов для того же тикета — no-op.
func (q *AdmissionQueue) Release(t *Ticket) {
	if t == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != StateProcessing {
		return
	}
	t.state = StateProcessed
	q.totalProcessed++
	q.processingTotal += time.Since(t.admittedAt)
	q.processing--
	q.promoteLocked(time.Now())
}

// SetPaused переключает режим maintenance: при true новые Submit отклоняются.
// Уже принятые тикеты дорабатывают как обычно.
func (q *AdmissionQueue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused != paused {
		q.logger.Info("admission mode changed", zap.Bool("paused", paused))
	}
	q.paused = paused
}

// MetricsSnapshot возвращает консистентный срез счетчиков.
func (q *AdmissionQueue) MetricsSnapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, numPriorities)
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		byPriority[p.String()] = len(q.waiting[p])
	}

	var avgMs float64
	if q.totalProcessed > 0 {
		avgMs = float64(q.processingTotal.Milliseconds()) / float64(q.totalProcessed)
	}

	return Snapshot{
		TotalReceived:     q.totalReceived,
		TotalProcessed:    q.totalProcessed,
		TotalRejected:     q.totalRejected,
		TotalTimedOut:     q.totalTimedOut,
		CurrentProcessing: q.processing,
		CurrentQueueSize:  q.queuedLocked(),
		QueueByPriority:   byPriority,
		AvgProcessingMs:   avgMs,
		MaxConcurrency:    q.maxConcurrency,
		MaxQueueDepth:     q.maxDepth,
		Paused:            q.paused,
	}
}

// Saturated — очередь на пределе (для health-вердикта).
func (q *AdmissionQueue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedLocked() >= q.maxDepth
}

// Sweep выметает просроченные тикеты. Вызывается воркером; выставлен наружу,
// чтобы тесты могли дергать его детерминированно.
func (q *AdmissionQueue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		kept := q.waiting[p][:0]
		for _, t := range q.waiting[p] {
			if now.After(t.Deadline) {
				t.state = StateTimedOut
				t.waitErr = ErrWaitExpired
				close(t.admitted)
				q.totalTimedOut++
				expired++
				continue
			}
			kept = append(kept, t)
		}
		q.waiting[p] = kept
	}

	if expired > 0 {
		q.logger.Warn("expired queued tickets", zap.Int("count", expired))
	}
	return expired
}

// --- внутренности (под мьютексом) ---

func (q *AdmissionQueue) admitLocked(t *Ticket, now time.Time) {
	t.state = StateProcessing
	t.admittedAt = now
	q.processing++
	close(t.admitted)
}

func (q *AdmissionQueue) promoteLocked(now time.Time) {
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		if len(q.waiting[p]) == 0 {
			continue
		}
		if q.processing >= q.maxConcurrency {
			return
		}
		t := q.waiting[p][0]
		q.waiting[p] = q.waiting[p][1:]
		q.admitLocked(t, now)
		return
	}
}

func (q *AdmissionQueue) queuedLocked() int {
	n := 0
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		n += len(q.waiting[p])
	}
	return n
}

// abandon убирает тикет из очереди, если он все еще ждет.
// Возвращает false, если тикет уже не в Queued (гонка с promote/sweep).
func (q *AdmissionQueue) abandon(t *Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != StateQueued {
		return false
	}
	for i, cand := range q.waiting[t.Priority] {
		if cand == t {
			q.waiting[t.Priority] = append(q.waiting[t.Priority][:i], q.waiting[t.Priority][i+1:]...)
			break
		}
	}
	// Брошенное ожидание учитываем как таймаут: слот так и не был получен.
	t.state = StateTimedOut
	q.totalTimedOut++
	return true
}

func (q *AdmissionQueue) sweeper() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case now := <-ticker.C:
			q.Sweep(now)
		}
	}
}
