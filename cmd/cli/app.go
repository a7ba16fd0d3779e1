package cli

import (
	"context"
	"fmt"

	"changedesk/internal/config"
	"changedesk/internal/models"
	"changedesk/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app 进程内共享的组件；run 与 scan 命令共用
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	redis    redis.UniversalClient
	amqp     *services.AMQPNotifier
	breaker  *services.CircuitBreaker
	hub      *services.WebSocketHub
	store    *services.StoreNotifier
	changes  *services.ChangeService
	runner   *services.AutomationRunner
	notifier *services.MultiNotifier
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := config.InitLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.AllModels()...)
}

// newApp 连接数据库与可选的 Redis / RabbitMQ，并组装通知扇出
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	a := &app{cfg: cfg, logger: log, db: db}
	a.hub = services.NewWebSocketHub(log)
	a.notifier = services.NewMultiNotifier(log)

	if cfg.Notifications.Store {
		a.store = services.NewStoreNotifier(db)
		a.notifier.Add("store", a.store)
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, falling back to local websocket delivery")
			_ = client.Close()
			a.notifier.Add("websocket", services.NewHubNotifier(a.hub))
		} else {
			a.redis = client
			a.notifier.Add("redis", services.NewRedisNotifier(client, cfg.Redis.Channel))
		}
	} else {
		a.notifier.Add("websocket", services.NewHubNotifier(a.hub))
	}

	if cfg.AMQP.Enabled {
		pub, err := services.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			log.WithError(err).Warn("rabbitmq unavailable, change events will not be published")
		} else {
			a.amqp = pub
			a.notifier.Add("amqp", pub)
		}
	}

	if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
		if cfg.Notifications.CircuitBreaker.Enabled {
			a.breaker = services.NewCircuitBreaker(cfg.Notifications.CircuitBreaker)
		}
		a.notifier.Add("webhook", services.NewWebhookNotifier(cfg.Notifications.Webhook.URL, cfg.Notifications.Webhook.Timeout, a.breaker))
	}

	a.changes = services.NewChangeService(services.NewGormChangeStore(db), a.notifier, services.SystemClock{}, log)
	a.changes.SetNotifyTimeout(cfg.Notifications.Timeout)
	a.hub.SetChangeAccess(services.ChangeRoomAccess(a.changes))

	scheduler := services.NewChangeScheduler(a.changes, a.notifier, log, cfg.Scheduler.BatchSize)
	a.runner = services.NewAutomationRunner(scheduler, services.SystemClock{}, log, cfg.Scheduler.ScanTimeout)
	return a, nil
}

func (a *app) Close() {
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.logger.WithError(err).Warn("close rabbitmq connection")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
