package transcript

/*
Файл writer.go реализует асинхронную персистентность реплик диалога.

Ключевые особенности архитектуры:
- Non-blocking Append: неблокирующий канал отвязывает запись в БД от Hot Path
  стриминга — задержки Postgres не влияют на Response Time.
- Batching: накопление строк в памяти и пакетная запись (Bulk Insert)
  по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается до конца,
  финальный flush гарантирует отсутствие потерь при штатной перезагрузке.
- Load Shedding: при переполнении буфера строка отбрасывается с логом —
  персистентность best-effort и не имеет права валить поток.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry — одна строка диалога для durable-записи.
type Entry struct {
	ConversationID string
	Role           string // "user" или "assistant"
	Content        string
	CreatedAt      time.Time
}

// StorageInterface определяет, куда физически сохраняются строки.
type StorageInterface interface {
	// WriteBatch сохраняет пачку строк за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// Writer — буферизованный асинхронный писатель.
type Writer struct {
	ch            chan Entry
	repo          StorageInterface
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	wg            sync.WaitGroup
	isClosed      int32 // атомарный флаг: 0 — открыт, 1 — закрыт
}

func NewWriter(repo StorageInterface, bufferSize, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Writer{
		ch:            make(chan Entry, bufferSize),
		repo:          repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger.With(zap.String("mod", "transcript")),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (w *Writer) Stop() {
	atomic.StoreInt32(&w.isClosed, 1)

	// Крошечная пауза, чтобы текущие Append успели проскочить
	time.Sleep(10 * time.Millisecond)

	w.logger.Info("stopping transcript writer: closing channel and flushing buffer...")
	close(w.ch)
	w.wg.Wait()
	w.logger.Info("transcript writer stopped gracefully")
}

// Append ставит строку в очередь на запись. Никогда не блокирует и не падает.
func (w *Writer) Append(conversationID, role, content string) {
	entry := Entry{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&w.isClosed) == 1 {
		w.logger.Warn("transcript entry dropped: writer is stopping",
			zap.String("conversation_id", conversationID))
		return
	}

	select {
	case w.ch <- entry:
	default:
		// Буфер переполнен — сбрасываем нагрузку, факт фиксируем в логе
		w.logger.Error("transcript_buffer_overflow",
			zap.String("conversation_id", conversationID),
			zap.String("role", role),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]Entry, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
				w.logger.Error("transcript flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный сброс и выход
				flush()
				w.logger.Info("transcript worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
