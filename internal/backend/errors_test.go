package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify_SignatureTable(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{errors.New("401 unauthorized"), KindAuth},
		{errors.New("invalid api key provided"), KindAuth},
		{errors.New("rate limit exceeded, slow down"), KindRateLimit},
		{errors.New("HTTP 429 too many requests"), KindRateLimit},
		{errors.New("request timed out"), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("read tcp: connection reset by peer"), KindNetwork},
		{errors.New("dial: connection refused"), KindNetwork},
		{errors.New("something completely novel"), KindUnclassified},
	}

	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%q) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestClassify_WrappedErrorKeepsKind(t *testing.T) {
	inner := &Error{Kind: KindAuth, Cause: errors.New("bad key")}
	wrapped := fmt.Errorf("call failed: %w", inner)

	if got := Classify(wrapped); got != KindAuth {
		t.Fatalf("expected auth kind through wrapping, got %s", got)
	}
}

func TestClassify_ThrottleErrorIsRateLimit(t *testing.T) {
	err := &ThrottleError{RetryAfter: 2 * time.Second, Cause: errors.New("429")}
	if got := Classify(err); got != KindRateLimit {
		t.Fatalf("expected rate_limit, got %s", got)
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindRateLimit, KindNetwork, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%s must be retryable", k)
		}
	}
	terminal := []Kind{KindAuth, KindUnclassified}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("%s must not be retryable", k)
		}
	}
}

func TestWrap_DoesNotDoubleWrap(t *testing.T) {
	original := &Error{Kind: KindNetwork, Cause: errors.New("reset")}
	if got := Wrap(original); got != original {
		t.Fatalf("expected same error back, got %v", got)
	}
	if Wrap(nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}
