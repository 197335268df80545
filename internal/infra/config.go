package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всего шлюза.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// QueueConfig — лимиты Admission Queue.
type QueueConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"` // одновременно исполняемых запросов
	MaxQueueDepth  int           `mapstructure:"max_queue_depth"` // ожидающих в очереди (все приоритеты суммарно)
	MaxWait        time.Duration `mapstructure:"max_wait"`        // сколько тикет может ждать слота
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // период выметания просроченных тикетов
}

// MetricsConfig — окно агрегатора и пороги алертов.
type MetricsConfig struct {
	HistorySize int `mapstructure:"history_size"` // емкость кольцевого буфера RequestMetric

	// Пороги: warning / critical по error rate, warning по глубине очереди и латентности
	ErrorRateWarning  float64       `mapstructure:"error_rate_warning"`
	ErrorRateCritical float64       `mapstructure:"error_rate_critical"`
	QueueDepthWarning int           `mapstructure:"queue_depth_warning"`
	LatencyP95Warning time.Duration `mapstructure:"latency_p95_warning"`
}

// BackendConfig — вызов модельного бэкенда и политика повторов.
type BackendConfig struct {
	MaxToolSteps     int           `mapstructure:"max_tool_steps"`    // ограничение цепочки tool-вызовов
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"` // общий дедлайн исполнения (не путать с queue.max_wait)
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	ChunkBuffer      int           `mapstructure:"chunk_buffer"` // емкость канала чанков (backpressure)

	// Настройки Circuit Breaker и лимитера перед бэкендом
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// TranscriptConfig — асинхронная запись реплик в Postgres.
type TranscriptConfig struct {
	DatabaseURL   string        `mapstructure:"database_url"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RedisConfig описывает подключение к Redis (сигналы maintenance).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: QUEUE_MAX_CONCURRENCY=10 перекроет queue.max_concurrency
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 0) // стримингу нельзя резать соединение по таймеру

	v.SetDefault("queue.max_concurrency", 5)
	v.SetDefault("queue.max_queue_depth", 50)
	v.SetDefault("queue.max_wait", 30*time.Second)
	v.SetDefault("queue.sweep_interval", 1*time.Second)

	v.SetDefault("metrics.history_size", 500)
	v.SetDefault("metrics.error_rate_warning", 0.2)
	v.SetDefault("metrics.error_rate_critical", 0.5)
	v.SetDefault("metrics.queue_depth_warning", 40)
	v.SetDefault("metrics.latency_p95_warning", 20*time.Second)

	v.SetDefault("backend.max_tool_steps", 8)
	v.SetDefault("backend.execution_timeout", 2*time.Minute)
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("backend.chunk_buffer", 16)
	v.SetDefault("backend.cb_max_requests", 3)
	v.SetDefault("backend.cb_interval", 5*time.Second)
	v.SetDefault("backend.cb_timeout", 30*time.Second)
	v.SetDefault("backend.rate_limit", 100)
	v.SetDefault("backend.rate_burst", 20)

	v.SetDefault("transcript.buffer_size", 10000)
	v.SetDefault("transcript.batch_size", 100)
	v.SetDefault("transcript.flush_interval", 500*time.Millisecond)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
