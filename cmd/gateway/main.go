package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/backend"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/health"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/infra"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/metrics"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/ops"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/orchestrator"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/queue"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/repository/postgres"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/server"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/transcript"
)

const systemPrompt = "You are a helpdesk assistant for an e-commerce store. " +
	"Answer briefly, use the available tools for order and billing questions."

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Метрики: прометеевское зеркало + агрегатор окна
	reg := prometheus.NewRegistry()
	instruments := metrics.NewInstruments(reg)
	agg := metrics.NewAggregator(cfg.Metrics.HistorySize, metrics.Thresholds{
		ErrorRateWarning:  cfg.Metrics.ErrorRateWarning,
		ErrorRateCritical: cfg.Metrics.ErrorRateCritical,
		QueueDepthWarning: cfg.Metrics.QueueDepthWarning,
		LatencyP95Warning: cfg.Metrics.LatencyP95Warning,
	}, instruments, logger)

	// 3. Admission Queue + свип просроченных тикетов
	q := queue.New(
		cfg.Queue.MaxConcurrency,
		cfg.Queue.MaxQueueDepth,
		cfg.Queue.MaxWait,
		logger,
		queue.WithSweepInterval(cfg.Queue.SweepInterval),
	)
	q.Start()
	agg.SetQueueDepthProvider(func() int { return q.MetricsSnapshot().CurrentQueueSize })

	// Глубина очереди меняется и без завершений (свип, промоушены) —
	// пересчитываем алерты еще и по тику
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				agg.Evaluate()
			}
		}
	}()

	// 4. Операторская пауза через Redis (переживает рестарты и обрывы)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	maintenance := ops.NewMaintenanceSwitch(rdb, q, logger)
	if err := maintenance.Init(appCtx); err != nil {
		logger.Warn("maintenance state sync failed, starting unpaused", zap.Error(err))
	}
	go maintenance.Listen(appCtx)

	// 5. Персистентность диалогов (best-effort, опциональна)
	var store orchestrator.TranscriptStore
	var writer *transcript.Writer
	if cfg.Transcript.DatabaseURL != "" {
		repo, err := postgres.NewTranscriptRepo(cfg.Transcript.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to init transcript repo", zap.Error(err))
		}
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Fatal("postgres is unreachable", zap.Error(err))
		}
		pingCancel()

		writer = transcript.NewWriter(
			repo,
			cfg.Transcript.BufferSize,
			cfg.Transcript.BatchSize,
			cfg.Transcript.FlushInterval,
			logger,
		)
		writer.Start()
		store = writer
	} else {
		logger.Info("transcript.database_url is empty, running without persistence")
	}

	// 6. Бэкенд и оркестратор
	// Реальный модельный бэкенд подключается адаптером Generator;
	// без него работаем на заглушке
	var gen backend.Generator = &backend.MockAssistant{}
	orch := orchestrator.New(cfg.Backend, q, agg, gen, store, systemPrompt, nil, logger)

	// 7. HTTP Server
	reporter := health.NewReporter(q, agg, cfg.Metrics.ErrorRateWarning)
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     server.New(orch, reporter, agg, promHandler, logger),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout намеренно из конфига: 0 — стримингу нельзя резать соединение
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("helpdesk agent gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("gateway stopping...")

	// Даем время на завершение активных стримов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	cancel()   // останавливаем слушателя maintenance
	q.Stop()   // останавливаем свип очереди
	if writer != nil {
		writer.Stop() // финальный flush буфера диалогов
	}
	if err := rdb.Close(); err != nil {
		logger.Warn("redis close failed", zap.Error(err))
	}
	logger.Info("gateway exited properly")
}
