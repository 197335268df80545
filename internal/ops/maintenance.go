package ops

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ключи Redis, через которые операторы управляют шлюзом.
const (
	// MaintenanceChannel — pub/sub канал сигналов паузы ("on" / "off").
	MaintenanceChannel = "helpdesk:signals:maintenance"
	// maintenanceKey — текущее состояние, чтобы пережить рестарт шлюза.
	maintenanceKey = "helpdesk:maintenance"
)

// Pausable — то, что умеет приостанавливать прием работы. Реализует Admission Queue.
type Pausable interface {
	SetPaused(paused bool)
}

// MaintenanceSwitch держит шлюз в курсе операторской паузы.
// Подписка "живучая": переподключается при обрывах и на каждом реконнекте
// синхронизирует состояние из ключа — пропущенный сигнал не теряется навсегда.
type MaintenanceSwitch struct {
	rdb    *redis.Client
	target Pausable
	logger *zap.Logger
}

func NewMaintenanceSwitch(rdb *redis.Client, target Pausable, logger *zap.Logger) *MaintenanceSwitch {
	return &MaintenanceSwitch{
		rdb:    rdb,
		target: target,
		logger: logger.With(zap.String("mod", "maintenance")),
	}
}

// Init подтягивает текущее состояние паузы при старте сервиса.
func (m *MaintenanceSwitch) Init(ctx context.Context) error {
	val, err := m.rdb.Get(ctx, maintenanceKey).Result()
	if err != nil {
		if err == redis.Nil {
			m.target.SetPaused(false)
			return nil
		}
		return err
	}
	m.target.SetPaused(parseSignal(val))
	return nil
}

// Listen — цикл подписки на сигналы. Блокирует до отмены ctx; запускать горутиной.
func (m *MaintenanceSwitch) Listen(ctx context.Context) {
	for {
		pubsub := m.rdb.Subscribe(ctx, MaintenanceChannel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				pubsub.Close()
				return
			}
			m.logger.Error("failed to subscribe", zap.String("chan", MaintenanceChannel), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		// Синхронизация при каждом успешном коннекте
		if err := m.Init(ctx); err != nil {
			m.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				m.target.SetPaused(parseSignal(msg.Payload))
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

// parseSignal — гибкий разбор сигнала: "on"/"true"/"1" включают паузу.
func parseSignal(s string) bool {
	return s == "on" || s == "true" || s == "1"
}
