package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind — закрытая классификация ошибок бэкенда.
// Решение принимается один раз, на границе, где ошибка впервые наблюдается (Classify);
// дальше по коду гуляет только Kind, без повторного разбора строк.
type Kind string

const (
	KindUnclassified Kind = "unclassified" // неизвестное — консервативно не ретраим
	KindAuth         Kind = "auth"         // невалидный ключ/права — ретрай бессмысленен
	KindRateLimit    Kind = "rate_limit"   // 429 / throttling
	KindNetwork      Kind = "network"      // обрыв соединения, reset
	KindTimeout      Kind = "timeout"      // дедлайн вызова
)

// Retryable сообщает, имеет ли смысл повторить вызов с тем же запросом.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Error — классифицированная ошибка бэкенда.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ThrottleError — бэкенд сообщил точное время ожидания (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// Classify превращает сырую ошибку бэкенда в закрытый Kind.
// Таблица сигнатур — единственное место в коде, где ошибки опознаются по подстрокам.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return KindRateLimit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "invalid api key", "authentication", "permission denied", "403", "401"):
		return KindAuth
	case containsAny(msg, "rate limit", "too many requests", "429", "overloaded", "throttl"):
		return KindRateLimit
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return KindTimeout
	case containsAny(msg, "connection reset", "connection refused", "broken pipe", "unexpected eof", "no such host"):
		return KindNetwork
	default:
		return KindUnclassified
	}
}

// Wrap навешивает классификацию на сырую ошибку, если её там еще нет.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Kind: Classify(err), Cause: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
