package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/backend"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/infra"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/metrics"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/queue"
)

// fakeBackend проигрывает заданный сценарий по номеру попытки.
type fakeBackend struct {
	mu       sync.Mutex
	attempts int
	script   func(attempt int, req backend.Request, emit func(backend.Event) error) (*backend.Result, error)
}

func (f *fakeBackend) Stream(ctx context.Context, req backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()
	return f.script(attempt, req, emit)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeStore struct {
	mu   sync.Mutex
	rows []string
}

func (s *fakeStore) Append(conversationID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, role+":"+content)
}

func testConfig() infra.BackendConfig {
	return infra.BackendConfig{
		MaxToolSteps:     5,
		ExecutionTimeout: 10 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		ChunkBuffer:      32,
		RateLimit:        1000,
		RateBurst:        100,
		CBInterval:       time.Second,
		CBTimeout:        time.Second,
		CBMaxRequests:    3,
	}
}

func newFixture(t *testing.T, gen backend.Generator, store TranscriptStore, concurrency, depth int, maxWait time.Duration) (*Orchestrator, *queue.AdmissionQueue, *metrics.Aggregator) {
	t.Helper()
	logger := zap.NewNop()
	q := queue.New(concurrency, depth, maxWait, logger)
	agg := metrics.NewAggregator(100, metrics.Thresholds{ErrorRateWarning: 0.2, ErrorRateCritical: 0.5}, nil, logger)
	o := New(testConfig(), q, agg, gen, store, "You are a helpdesk assistant.", nil, logger)
	return o, q, agg
}

// collect дочитывает поток до конца и возвращает текст + терминальную ошибку.
func collect(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-s.Chunks():
			if !ok {
				return sb.String(), s.Err()
			}
			sb.WriteString(chunk)
		case <-timeout:
			t.Fatal("stream did not terminate in time")
		}
	}
}

func streamOK(text string) func(int, backend.Request, func(backend.Event) error) (*backend.Result, error) {
	return func(_ int, _ backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		if err := emit(backend.Event{Type: backend.EventText, Text: text}); err != nil {
			return nil, err
		}
		return &backend.Result{Text: text, Usage: backend.Usage{InputTokens: 10, OutputTokens: 20}}, nil
	}
}

func TestProcessStream_HappyPath(t *testing.T) {
	gen := &fakeBackend{script: streamOK("Здравствуйте! Чем помочь?")}
	o, q, agg := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, err := o.ProcessStream(context.Background(), Request{Message: "hello"})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	text, streamErr := collect(t, stream)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if text != "Здравствуйте! Чем помочь?" {
		t.Fatalf("unexpected text: %q", text)
	}

	snap := agg.GetSystemMetrics()
	if snap.TotalCompleted != 1 || snap.TotalFailed != 0 {
		t.Fatalf("expected 1 success, got %+v", snap)
	}
	if qs := q.MetricsSnapshot(); qs.CurrentProcessing != 0 || qs.TotalProcessed != 1 {
		t.Fatalf("expected released slot, got %+v", qs)
	}

	recent := agg.Recent(1)
	if len(recent) != 1 || recent[0].Tokens != 30 {
		t.Fatalf("expected token count 30 in metric, got %+v", recent)
	}
}

func TestProcessStream_CapacityRejectedFailsFast(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeBackend{script: func(_ int, _ backend.Request, _ func(backend.Event) error) (*backend.Result, error) {
		<-block
		return &backend.Result{Text: "ok"}, nil
	}}
	o, _, _ := newFixture(t, gen, nil, 1, 0, time.Minute)

	first, err := o.ProcessStream(context.Background(), Request{Message: "x"})
	if err != nil {
		t.Fatalf("first request must be admitted: %v", err)
	}

	_, err = o.ProcessStream(context.Background(), Request{Message: "y"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	close(block)
	collect(t, first)
}

func TestProcessStream_RetriesTransientThenSucceeds(t *testing.T) {
	gen := &fakeBackend{script: func(attempt int, req backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		if attempt <= 2 {
			return nil, &backend.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("429")}
		}
		return streamOK("done")(attempt, req, emit)
	}}
	o, _, agg := newFixture(t, gen, nil, 5, 10, time.Minute)

	started := time.Now()
	stream, err := o.ProcessStream(context.Background(), Request{Message: "try me"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	text, streamErr := collect(t, stream)
	if streamErr != nil {
		t.Fatalf("expected success after retries, got %v", streamErr)
	}
	if text != "done" {
		t.Fatalf("unexpected text %q", text)
	}
	if gen.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls())
	}

	recent := agg.Recent(1)
	if len(recent) != 1 || !recent[0].Success {
		t.Fatalf("expected successful metric, got %+v", recent)
	}
	// Латентность метрики включает задержки бэкоффа
	if recent[0].Latency() <= 0 || recent[0].StartedAt.Before(started.Add(-time.Second)) {
		t.Fatalf("implausible metric timing: %+v", recent[0])
	}
}

func TestProcessStream_RetryBoundExhausted(t *testing.T) {
	gen := &fakeBackend{script: func(int, backend.Request, func(backend.Event) error) (*backend.Result, error) {
		return nil, errors.New("rate limit exceeded")
	}}
	o, _, agg := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, err := o.ProcessStream(context.Background(), Request{Message: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, streamErr := collect(t, stream)
	if streamErr == nil {
		t.Fatal("expected terminal error after retry bound")
	}
	// maxRetries=3 → не больше 4 попыток
	if gen.calls() != 4 {
		t.Fatalf("expected 4 attempts, got %d", gen.calls())
	}
	if snap := agg.GetSystemMetrics(); snap.TotalFailed != 1 {
		t.Fatalf("expected 1 failed metric, got %+v", snap)
	}
}

func TestProcessStream_AuthFailureNotRetried(t *testing.T) {
	gen := &fakeBackend{script: func(int, backend.Request, func(backend.Event) error) (*backend.Result, error) {
		return nil, errors.New("401 unauthorized: invalid api key")
	}}
	o, _, _ := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, _ := o.ProcessStream(context.Background(), Request{Message: "x"})
	_, streamErr := collect(t, stream)
	if streamErr == nil {
		t.Fatal("expected auth error")
	}
	if kind := backend.Classify(streamErr); kind != backend.KindAuth {
		t.Fatalf("expected auth kind, got %s", kind)
	}
	if gen.calls() != 1 {
		t.Fatalf("auth failures must not be retried, got %d attempts", gen.calls())
	}
}

func TestProcessStream_NoRetryAfterFirstChunk(t *testing.T) {
	gen := &fakeBackend{script: func(_ int, _ backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		if err := emit(backend.Event{Type: backend.EventText, Text: "partial "}); err != nil {
			return nil, err
		}
		// Транзиентная ошибка ПОСЛЕ доставки чанка — ретрая быть не должно
		return nil, &backend.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("429")}
	}}
	o, _, _ := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, _ := o.ProcessStream(context.Background(), Request{Message: "x"})
	text, streamErr := collect(t, stream)
	if streamErr == nil {
		t.Fatal("expected terminal stream error")
	}
	if text != "partial " {
		t.Fatalf("partial output must reach the caller, got %q", text)
	}
	if gen.calls() != 1 {
		t.Fatalf("no second attempt after delivered chunk, got %d", gen.calls())
	}
}

func TestProcessStream_ToolNamesDeduplicated(t *testing.T) {
	gen := &fakeBackend{script: func(_ int, req backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		emit(backend.Event{Type: backend.EventToolUse, ToolName: "lookup_order"})
		emit(backend.Event{Type: backend.EventToolUse, ToolName: "lookup_order"})
		emit(backend.Event{Type: backend.EventToolUse, ToolName: "issue_refund"})
		emit(backend.Event{Type: backend.EventText, Text: "done"})
		return &backend.Result{Text: "done"}, nil
	}}
	o, _, agg := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, _ := o.ProcessStream(context.Background(), Request{Message: "мой заказ"})
	collect(t, stream)

	recent := agg.Recent(1)
	if len(recent) != 1 {
		t.Fatal("expected one metric")
	}
	tools := recent[0].Tools
	if len(tools) != 2 || tools[0] != "lookup_order" || tools[1] != "issue_refund" {
		t.Fatalf("expected deduplicated ordered tools, got %v", tools)
	}
	if recent[0].Intent != "order_status" {
		t.Fatalf("expected order_status intent, got %s", recent[0].Intent)
	}
}

func TestProcessStream_ToolStepLimitEnforced(t *testing.T) {
	gen := &fakeBackend{script: func(_ int, _ backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		for i := 0; i < 100; i++ {
			if err := emit(backend.Event{Type: backend.EventToolUse, ToolName: "loop_tool"}); err != nil {
				return nil, err
			}
		}
		return &backend.Result{Text: "unreachable"}, nil
	}}
	o, _, _ := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, _ := o.ProcessStream(context.Background(), Request{Message: "x"})
	_, streamErr := collect(t, stream)
	if streamErr == nil || !strings.Contains(streamErr.Error(), "tool step limit") {
		t.Fatalf("expected tool step limit error, got %v", streamErr)
	}
	if gen.calls() != 1 {
		t.Fatalf("tool limit is not retryable, got %d attempts", gen.calls())
	}
}

func TestProcessStream_CallerDisconnectAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeBackend{script: func(_ int, _ backend.Request, emit func(backend.Event) error) (*backend.Result, error) {
		for {
			if err := emit(backend.Event{Type: backend.EventText, Text: "chunk "}); err != nil {
				return nil, err
			}
			time.Sleep(time.Millisecond)
		}
	}}
	o, q, agg := newFixture(t, gen, nil, 5, 10, time.Minute)

	stream, err := o.ProcessStream(ctx, Request{Message: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Читаем немного и "отключаемся"
	<-stream.Chunks()
	cancel()

	_, streamErr := collect(t, stream)
	if !errors.Is(streamErr, ErrStreamAborted) {
		t.Fatalf("expected ErrStreamAborted, got %v", streamErr)
	}

	if qs := q.MetricsSnapshot(); qs.CurrentProcessing != 0 {
		t.Fatalf("slot must be released on disconnect, got %d processing", qs.CurrentProcessing)
	}
	if snap := agg.GetSystemMetrics(); snap.TotalFailed != 1 || snap.ActiveRequests != 0 {
		t.Fatalf("disconnect must be recorded as failed, got %+v", snap)
	}
}

func TestProcessStream_QueueTimeoutSurfaced(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeBackend{script: func(_ int, _ backend.Request, _ func(backend.Event) error) (*backend.Result, error) {
		<-block
		return &backend.Result{Text: "ok"}, nil
	}}
	o, q, _ := newFixture(t, gen, nil, 1, 10, 50*time.Millisecond)

	first, _ := o.ProcessStream(context.Background(), Request{Message: "slow"})
	second, err := o.ProcessStream(context.Background(), Request{Message: "waits"})
	if err != nil {
		t.Fatalf("second request should queue: %v", err)
	}

	// Детерминированно пробрасываем время мимо дедлайна ожидания
	q.Sweep(time.Now().Add(time.Second))

	_, streamErr := collect(t, second)
	if !errors.Is(streamErr, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", streamErr)
	}

	close(block)
	collect(t, first)
}

func TestProcessStream_TranscriptPersistedBestEffort(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeBackend{script: streamOK("ответ агента")}
	o, _, _ := newFixture(t, gen, store, 5, 10, time.Minute)

	stream, _ := o.ProcessStream(context.Background(), Request{Message: "вопрос", ConversationID: "conv-1"})
	collect(t, stream)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.rows) != 2 {
		t.Fatalf("expected user+assistant rows, got %v", store.rows)
	}
	if store.rows[0] != "user:вопрос" || store.rows[1] != "assistant:ответ агента" {
		t.Fatalf("unexpected transcript rows: %v", store.rows)
	}
}

func TestDerivePriority(t *testing.T) {
	if p := derivePriority(Request{Urgent: true, Authenticated: true}); p != queue.PriorityUrgent {
		t.Fatalf("urgent flag wins, got %s", p)
	}
	if p := derivePriority(Request{Authenticated: true}); p != queue.PriorityHigh {
		t.Fatalf("authenticated → high, got %s", p)
	}
	if p := derivePriority(Request{Background: true}); p != queue.PriorityLow {
		t.Fatalf("background → low, got %s", p)
	}
	if p := derivePriority(Request{}); p != queue.PriorityMedium {
		t.Fatalf("anonymous → medium, got %s", p)
	}
}
