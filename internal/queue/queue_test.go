package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue(maxConcurrency, maxDepth int, maxWait time.Duration) *AdmissionQueue {
	return New(maxConcurrency, maxDepth, maxWait, zap.NewNop())
}

func TestSubmit_AdmitsImmediatelyUnderConcurrencyLimit(t *testing.T) {
	q := newTestQueue(5, 10, time.Minute)

	ticket, err := q.Submit(PriorityUrgent, time.Now())
	if err != nil {
		t.Fatalf("expected admission, got error: %v", err)
	}
	if ticket.State() != StateProcessing {
		t.Fatalf("expected state processing, got %s", ticket.State())
	}
	if got := q.MetricsSnapshot().CurrentProcessing; got != 1 {
		t.Fatalf("expected 1 processing, got %d", got)
	}
}

func TestSubmit_QueuesWhenConcurrencyExhausted(t *testing.T) {
	q := newTestQueue(5, 10, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if _, err := q.Submit(PriorityLow, now); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	sixth, err := q.Submit(PriorityLow, now)
	if err != nil {
		t.Fatalf("sixth submit should queue, got error: %v", err)
	}
	if sixth.State() != StateQueued {
		t.Fatalf("expected sixth ticket queued, got %s", sixth.State())
	}

	snap := q.MetricsSnapshot()
	if snap.CurrentProcessing != 5 || snap.CurrentQueueSize != 1 {
		t.Fatalf("expected 5 processing / 1 queued, got %d / %d", snap.CurrentProcessing, snap.CurrentQueueSize)
	}
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	q := newTestQueue(1, 2, time.Minute)
	now := time.Now()

	q.Submit(PriorityMedium, now) // занял слот
	q.Submit(PriorityMedium, now) // в очередь
	q.Submit(PriorityMedium, now) // в очередь

	_, err := q.Submit(PriorityMedium, now)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := q.MetricsSnapshot().TotalRejected; got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
}

func TestRelease_PromotesHighestPriorityFirst(t *testing.T) {
	q := newTestQueue(1, 10, time.Minute)
	base := time.Now()

	running, _ := q.Submit(PriorityMedium, base)

	low, _ := q.Submit(PriorityLow, base.Add(time.Millisecond))
	high, _ := q.Submit(PriorityHigh, base.Add(2*time.Millisecond))

	// low пришел раньше, но high важнее
	q.Release(running)

	if high.State() != StateProcessing {
		t.Fatalf("expected high-priority ticket admitted, got %s", high.State())
	}
	if low.State() != StateQueued {
		t.Fatalf("expected low-priority ticket still queued, got %s", low.State())
	}
}

func TestRelease_FIFOWithinSameTier(t *testing.T) {
	q := newTestQueue(1, 10, time.Minute)
	base := time.Now()

	running, _ := q.Submit(PriorityMedium, base)
	first, _ := q.Submit(PriorityHigh, base.Add(time.Millisecond))
	second, _ := q.Submit(PriorityHigh, base.Add(2*time.Millisecond))

	q.Release(running)
	if first.State() != StateProcessing {
		t.Fatalf("expected first high ticket admitted, got %s", first.State())
	}
	if second.State() != StateQueued {
		t.Fatalf("expected second high ticket still queued, got %s", second.State())
	}

	q.Release(first)
	if second.State() != StateProcessing {
		t.Fatalf("expected second high ticket admitted after release, got %s", second.State())
	}
}

func TestSweep_ExpiresOverdueTicketsForever(t *testing.T) {
	q := newTestQueue(1, 10, 100*time.Millisecond)
	base := time.Now()

	running, _ := q.Submit(PriorityMedium, base)
	queued, _ := q.Submit(PriorityMedium, base)

	expired := q.Sweep(base.Add(200 * time.Millisecond))
	if expired != 1 {
		t.Fatalf("expected 1 expired ticket, got %d", expired)
	}
	if queued.State() != StateTimedOut {
		t.Fatalf("expected timed_out state, got %s", queued.State())
	}

	// Протухший тикет не должен быть допущен даже после освобождения слота
	q.Release(running)
	if queued.State() != StateTimedOut {
		t.Fatalf("expired ticket must never be admitted, got %s", queued.State())
	}

	if err := queued.Await(context.Background()); !errors.Is(err, ErrWaitExpired) {
		t.Fatalf("expected ErrWaitExpired from Await, got %v", err)
	}

	snap := q.MetricsSnapshot()
	if snap.TotalTimedOut != 1 {
		t.Fatalf("expected 1 timeout, got %d", snap.TotalTimedOut)
	}
	if snap.TotalRejected != 0 {
		t.Fatalf("timeouts must not count as rejections, got %d", snap.TotalRejected)
	}
}

func TestInvariants_NeverExceedLimits(t *testing.T) {
	q := newTestQueue(3, 4, time.Minute)
	now := time.Now()

	var admitted []*Ticket
	for i := 0; i < 20; i++ {
		ticket, err := q.Submit(PriorityMedium, now)
		if err != nil {
			continue
		}
		admitted = append(admitted, ticket)

		snap := q.MetricsSnapshot()
		if snap.CurrentProcessing > 3 {
			t.Fatalf("processing %d exceeds maxConcurrency", snap.CurrentProcessing)
		}
		if snap.CurrentQueueSize > 4 {
			t.Fatalf("queue size %d exceeds maxDepth", snap.CurrentQueueSize)
		}
	}

	snap := q.MetricsSnapshot()
	inFlight := uint64(snap.CurrentProcessing + snap.CurrentQueueSize)
	if snap.TotalReceived != snap.TotalRejected+snap.TotalTimedOut+snap.TotalProcessed+inFlight {
		t.Fatalf("counters do not reconcile: %+v", snap)
	}

	for _, ticket := range admitted {
		q.Release(ticket)
	}
	if got := q.MetricsSnapshot().CurrentProcessing; got != 0 {
		t.Fatalf("expected all slots released, got %d processing", got)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	q := newTestQueue(2, 5, time.Minute)
	ticket, _ := q.Submit(PriorityHigh, time.Now())

	q.Release(ticket)
	q.Release(ticket) // второй вызов — no-op

	snap := q.MetricsSnapshot()
	if snap.CurrentProcessing != 0 {
		t.Fatalf("expected 0 processing, got %d", snap.CurrentProcessing)
	}
	if snap.TotalProcessed != 1 {
		t.Fatalf("expected 1 processed, got %d", snap.TotalProcessed)
	}
}

func TestAwait_ReturnsWhenPromoted(t *testing.T) {
	q := newTestQueue(1, 5, time.Minute)
	running, _ := q.Submit(PriorityMedium, time.Now())
	queued, _ := q.Submit(PriorityMedium, time.Now())

	done := make(chan error, 1)
	go func() { done <- queued.Await(context.Background()) }()

	q.Release(running)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected admission, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after promotion")
	}
}

func TestAwait_CancelRemovesFromQueue(t *testing.T) {
	q := newTestQueue(1, 5, time.Minute)
	q.Submit(PriorityMedium, time.Now())
	queued, _ := q.Submit(PriorityMedium, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := queued.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := q.MetricsSnapshot().CurrentQueueSize; got != 0 {
		t.Fatalf("abandoned ticket must leave the queue, got size %d", got)
	}
}

func TestSetPaused_RejectsNewSubmissions(t *testing.T) {
	q := newTestQueue(5, 5, time.Minute)
	q.SetPaused(true)

	if _, err := q.Submit(PriorityUrgent, time.Now()); !errors.Is(err, ErrMaintenance) {
		t.Fatalf("expected ErrMaintenance, got %v", err)
	}

	q.SetPaused(false)
	if _, err := q.Submit(PriorityUrgent, time.Now()); err != nil {
		t.Fatalf("expected admission after unpause, got %v", err)
	}
}
