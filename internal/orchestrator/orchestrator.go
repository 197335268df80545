package orchestrator

/*
Файл orchestrator.go исполняет один запрос к агенту целиком: допуск через
Admission Queue, вызов бэкенда с ограниченной цепочкой tool-вызовов,
стриминг чанков клиенту, классификация отказов и ретраи, отчет в агрегатор.

Полис ретраев привязан к стримингу: повторяем только транзиентные ошибки
(rate limit / сеть / таймаут) и только пока клиенту не ушло ни одного чанка.
Частично доставленный поток перезапускать нельзя — клиент увидел бы дубли,
поэтому после первого чанка любой отказ терминален.

Исход — успех или ошибка — репортится в агрегатор ровно один раз; слот
очереди освобождается ровно один раз. Оба действия собраны в одном defer.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/backend"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/infra"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/metrics"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/queue"
)

var (
	// ErrCapacity — очередь переполнена или прием на паузе. Клиент может повторить позже.
	ErrCapacity = errors.New("orchestrator: capacity exceeded, retry later")
	// ErrQueueTimeout — запрос не дождался слота. Терминально.
	ErrQueueTimeout = errors.New("orchestrator: timed out waiting for admission")
	// ErrStreamAborted — клиент отключился или запись в транспорт отказала.
	ErrStreamAborted = errors.New("orchestrator: stream aborted")

	errToolLimit = errors.New("tool step limit exceeded")
)

// Request — входные данные одного обращения к агенту.
type Request struct {
	Message        string
	History        []backend.Message
	ConversationID string
	CustomerID     string
	AgentLabel     string // пусто — возьмем дефолтный
	TraceID        string

	// Атрибуты уже аутентифицированного вызова; сам auth — забота внешнего слоя
	Authenticated bool
	Urgent        bool
	Background    bool
}

// TranscriptStore — опциональный коллаборатор персистентности.
// Запись fire-and-forget: отказ логируется, но никогда не валит поток.
type TranscriptStore interface {
	Append(conversationID, role, content string)
}

// Orchestrator стыкует очередь, бэкенд и агрегатор метрик.
type Orchestrator struct {
	cfg    infra.BackendConfig
	queue  *queue.AdmissionQueue
	agg    *metrics.Aggregator
	gen    backend.Generator
	guard  *Guard
	store  TranscriptStore // может быть nil
	system string
	tools  []backend.Tool
	logger *zap.Logger
}

func New(
	cfg infra.BackendConfig,
	q *queue.AdmissionQueue,
	agg *metrics.Aggregator,
	gen backend.Generator,
	store TranscriptStore,
	system string,
	tools []backend.Tool,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		queue:  q,
		agg:    agg,
		gen:    gen,
		guard:  NewGuard(cfg),
		store:  store,
		system: system,
		tools:  tools,
		logger: logger.With(zap.String("mod", "orchestrator")),
	}
}

// ProcessStream запускает обработку. Синхронно возвращает ошибку только при
// отказе в допуске (ErrCapacity); все остальные исходы приходят через Stream.
func (o *Orchestrator) ProcessStream(ctx context.Context, req Request) (*Stream, error) {
	priority := derivePriority(req)

	ticket, err := o.queue.Submit(priority, time.Now())
	if err != nil {
		// Переполнение и maintenance — одинаковый ответ клиенту: емкости нет,
		// повторять сейчас бессмысленно, позже — можно.
		return nil, fmt.Errorf("%w: %s", ErrCapacity, err)
	}

	label := req.AgentLabel
	if label == "" {
		label = "support"
	}

	handle := o.agg.StartRequest(label, "chat", req.CustomerID)
	handle.SetTraceID(req.TraceID)

	stream := newStream(handle.ID(), label, req.ConversationID, o.cfg.ChunkBuffer)
	go o.run(ctx, req, ticket, handle, stream)
	return stream, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, ticket *queue.Ticket, handle *metrics.Handle, stream *Stream) {
	var (
		finalErr  error
		finalText string
		tokens    int
		toolsUsed []string
		intent    = detectIntent(req.Message)
	)

	// Единственная точка завершения: слот и отчет в метрики — ровно по разу.
	defer func() {
		o.queue.Release(ticket)

		out := metrics.Outcome{
			Success: finalErr == nil,
			Tokens:  tokens,
			Tools:   toolsUsed,
			Intent:  intent,
		}
		if finalErr != nil {
			out.Error = finalErr.Error()
		}
		o.agg.Complete(handle, out)

		stream.close(finalErr)

		if finalErr == nil && o.store != nil && req.ConversationID != "" {
			// Best-effort персистентность после закрытия потока
			o.store.Append(req.ConversationID, "user", req.Message)
			o.store.Append(req.ConversationID, "assistant", finalText)
		}

		if finalErr != nil {
			o.logger.Warn("request finished with error",
				zap.String("request_id", stream.RequestID),
				zap.String("kind", string(backend.Classify(finalErr))),
				zap.Error(finalErr),
			)
		}
	}()

	// 1. Ожидание слота (суспензия). Таймаут очереди — отдельная судьба,
	// не связанная с дедлайном исполнения.
	if err := ticket.Await(ctx); err != nil {
		if errors.Is(err, queue.ErrWaitExpired) {
			finalErr = ErrQueueTimeout
		} else {
			finalErr = fmt.Errorf("%w: %v", ErrStreamAborted, err)
		}
		return
	}
	if ctx.Err() != nil {
		// Гонка: слот выдан, но клиент уже ушел
		finalErr = fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err())
		return
	}

	// 2. Дедлайн исполнения — только на допущенную работу
	execCtx := ctx
	if o.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
		defer cancel()
	}

	breq := backend.Request{
		System:   o.system,
		Messages: append(append([]backend.Message{}, req.History...), backend.Message{Role: "user", Content: req.Message}),
		Tools:    o.tools,
	}

	var delivered atomic.Bool // ушел ли клиенту хотя бы один чанк
	toolSeen := make(map[string]struct{})
	steps := 0

	emit := func(ev backend.Event) error {
		switch ev.Type {
		case backend.EventToolUse:
			steps++
			if o.cfg.MaxToolSteps > 0 && steps > o.cfg.MaxToolSteps {
				return errToolLimit
			}
			if _, ok := toolSeen[ev.ToolName]; !ok {
				toolSeen[ev.ToolName] = struct{}{}
				toolsUsed = append(toolsUsed, ev.ToolName)
			}
		case backend.EventText:
			// Backpressure: медленный потребитель останавливает нас здесь,
			// а не копит чанки в безразмерном буфере
			select {
			case stream.chunks <- ev.Text:
				delivered.Store(true)
			case <-execCtx.Done():
				return execCtx.Err()
			}
		}
		return nil
	}

	// 3. Вызов бэкенда. Ретраи — только до первого доставленного чанка.
	r := retry.New(
		retry.Context(execCtx),
		retry.Attempts(uint(o.cfg.MaxRetries)+1),
		retry.Delay(o.cfg.RetryBaseDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if delivered.Load() {
				return false
			}
			return backend.Classify(err).Retryable()
		}),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если бэкенд вернул ThrottleError (например, считал Retry-After заголовок)
			var tErr *backend.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			// В остальных случаях — стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
	)

	retryErr := r.Do(func() error {
		res, err := o.guard.Execute(execCtx, func(aCtx context.Context) (*backend.Result, error) {
			return o.gen.Stream(aCtx, breq, emit)
		})
		if err != nil {
			return err
		}
		finalText = res.Text
		tokens = res.Usage.InputTokens + res.Usage.OutputTokens
		return nil
	})

	if retryErr != nil {
		switch {
		case ctx.Err() != nil:
			// Отключение клиента маскируется под таймаут — различаем по внешнему ctx
			finalErr = fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err())
		default:
			finalErr = backend.Wrap(retryErr)
		}
		return
	}
}

// derivePriority выводит приоритет из атрибутов запроса.
func derivePriority(req Request) queue.Priority {
	switch {
	case req.Urgent:
		return queue.PriorityUrgent
	case req.Background:
		return queue.PriorityLow
	case req.Authenticated:
		return queue.PriorityHigh
	default:
		return queue.PriorityMedium
	}
}

// detectIntent — грубая классификация обращения по ключевым словам.
// Для гистограмм на дашборде этого достаточно; NLU здесь не место.
func detectIntent(message string) string {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, "refund", "возврат", "вернуть деньги"):
		return "refund"
	case containsAny(msg, "order", "заказ", "доставка", "delivery", "shipping"):
		return "order_status"
	case containsAny(msg, "invoice", "billing", "оплата", "счет", "payment"):
		return "billing"
	case containsAny(msg, "complaint", "жалоба", "недоволен"):
		return "complaint"
	default:
		return "general"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
