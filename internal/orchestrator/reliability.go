package orchestrator

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/backend"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/infra"
)

// Guard защищает модельный бэкенд от каскадных отказов: лимитер на входе,
// предохранитель вокруг вызова. Ретраи здесь НЕ живут — они в оркестраторе,
// потому что решение о повторе зависит от того, ушли ли чанки клиенту.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGuard(cfg infra.BackendConfig) *Guard {
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-backend",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 100
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}

	return &Guard{
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

// Execute проводит один вызов бэкенда через лимитер и предохранитель.
// Дедлайн всего исполнения приходит снаружи через ctx: отдельный таймер на
// попытку стримингу противопоказан, легитимная генерация может быть долгой.
func (g *Guard) Execute(ctx context.Context, fn func(ctx context.Context) (*backend.Result, error)) (*backend.Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	cbResult, err := g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return cbResult.(*backend.Result), nil
}
