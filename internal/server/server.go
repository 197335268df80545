package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/health"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/metrics"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/orchestrator"
)

// Server — HTTP-поверхность шлюза: стриминг, health, метрики.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	orch     *orchestrator.Orchestrator
	reporter *health.Reporter
	agg      *metrics.Aggregator
	promH    http.Handler // экспозиция Prometheus; чистое форматирование, вне ядра
}

func New(
	orch *orchestrator.Orchestrator,
	reporter *health.Reporter,
	agg *metrics.Aggregator,
	promHandler http.Handler,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.Named("http"),
		orch:     orch,
		reporter: reporter,
		agg:      agg,
		promH:    promHandler,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// Инфраструктурные Middleware (для всех)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// Основная работа
	r.Post("/v1/chat/stream", s.handleStream)

	// Наблюдаемость
	r.Get("/health", s.handleHealth)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Get("/v1/metrics/recent", s.handleRecentMetrics)
	if s.promH != nil {
		r.Get("/metrics", s.promH.ServeHTTP)
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
