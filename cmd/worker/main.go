// Package main - точка входа Worker процесса Abitura Admission Hub.
//
// Worker отвечает за полный цикл работы с рисковыми абитуриентами:
// - Периодическое сканирование и оценка риска отсева
// - Подбор интервенций по политике и проверка через гейт допустимости
// - Отправка через каналы (голосовые звонки, WhatsApp, эскалации)
// - Журналирование каждой попытки и детерминированные ретраи
// - HTTP API для ручных триггеров, вебхуков активности и health-проверок
//
// Философия: "Ни один абитуриент не теряется молча" - Worker следит,
// чтобы каждый сигнал затухающего интереса превращался в конкретное
// действие приёмной комиссии, ровно один раз.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Configuration
	"github.com/abitura-hub/abitura-admission-hub/config"

	// Application layer
	"github.com/abitura-hub/abitura-admission-hub/internal/application/dispatch"
	"github.com/abitura-hub/abitura-admission-hub/internal/application/eventhandler"

	// Domain layer
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"

	// Infrastructure layer
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/content"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/gateway/escalation"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/gateway/voice"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/gateway/whatsapp"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/messaging"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/persistence/postgres"
	rediscache "github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/persistence/redis"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/scheduler"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/scheduler/jobs"

	// Interface layer
	httpserver "github.com/abitura-hub/abitura-admission-hub/internal/interface/http"

	// Shared packages
	"github.com/abitura-hub/abitura-admission-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	// Создаём корневой контекст с возможностью отмены
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Запускаем приложение
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting Abitura Admission Hub Worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПОДКЛЮЧЕНИЕ К БАЗЕ ДАННЫХ (PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()

	// Проверяем соединение
	if err := dbConn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("database connection established")

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ЗАПУСК МИГРАЦИЙ
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Database.AutoMigrate {
		log.Info("checking database migrations...")
		migrator := postgres.NewMigrator(dbConn)
		if err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ИНИЦИАЛИЗАЦИЯ REDIS
	// Redis несёт три обязанности: межворкерный scan lock, глобальный
	// потолок исходящих отправок и read-through кеш абитуриентов. Без
	// Redis (только development) все три деградируют в no-op.
	// ─────────────────────────────────────────────────────────────────────────
	var (
		redisCache   *rediscache.Cache
		studentCache *rediscache.StudentCache
		scanLock     dispatch.ScanLocker
		rateLimiter  dispatch.RateLimiter
	)

	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
		redisCfg := rediscache.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisCache, err = rediscache.NewCache(redisCfg)
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("failed to connect to Redis: %w", err)
			}
			log.Warn("failed to connect to Redis, running without scan lock and cache", "error", err)
			redisCache = nil
		} else {
			defer func() {
				log.Info("closing Redis connection...")
				_ = redisCache.Close()
			}()
			scanLock = rediscache.NewScanLock(redisCache)
			if cfg.Dispatch.OutboundPerMinute > 0 {
				rateLimiter = rediscache.NewRateLimiter(redisCache, cfg.Dispatch.OutboundPerMinute)
			}
			if cfg.Features.IsEnabled(config.FeatureStudentCache) {
				studentCache = rediscache.NewStudentCache(redisCache)
			}
			log.Info("Redis connection established")
		}
	} else {
		log.Warn("Redis is disabled: no cross-worker scan lock, no rate ceiling, no cache")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ИНИЦИАЛИЗАЦИЯ РЕПОЗИТОРИЕВ
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing repositories...")
	studentRepo := postgres.NewStudentRepository(dbConn)
	ledgerRepo := postgres.NewLedgerRepository(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ИНИЦИАЛИЗАЦИЯ EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing event bus...")
	eventBusConfig := messaging.DefaultConfig()
	eventBusConfig.Logger = log
	eventBusConfig.AsyncMode = true
	eventBus := messaging.NewEventBus(eventBusConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = eventBus.Close()
	}()

	// Подписчики шины: очередь консультанта и сквозные итоги доставки.
	if err := eventBus.Subscribe(eventhandler.NewCounselorQueueHandler(log)); err != nil {
		return fmt.Errorf("failed to subscribe counselor queue handler: %w", err)
	}
	if err := eventBus.Subscribe(eventhandler.NewDispatchMonitorHandler(log)); err != nil {
		return fmt.Errorf("failed to subscribe dispatch monitor: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ИНИЦИАЛИЗАЦИЯ КАНАЛОВ ДОСТАВКИ
	// Каждый канал за своим фича-флагом: сбойного провайдера можно
	// выключить без деплоя. Канал без шлюза оркестратор считает
	// отключённым и пропускает его кандидатов.
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing dispatch channels...")
	var gateways []intervention.ChannelGateway

	if cfg.Features.IsEnabled(config.FeatureDispatchVoice) && cfg.Voice.BaseURL != "" {
		voiceCfg := voice.DefaultClientConfig()
		voiceCfg.BaseURL = cfg.Voice.BaseURL
		voiceCfg.APIKey = cfg.Voice.APIKey
		voiceCfg.CallerID = cfg.Voice.CallerID
		voiceCfg.Timeout = cfg.Voice.Timeout
		voiceCfg.RetryAttempts = cfg.Voice.RetryAttempts
		voiceCfg.RetryDelay = cfg.Voice.RetryDelay
		voiceCfg.Logger = log
		voiceCfg.Debug = cfg.App.Debug

		voiceClient, err := voice.NewClient(voiceCfg)
		if err != nil {
			return fmt.Errorf("failed to create voice gateway: %w", err)
		}
		gateways = append(gateways, voiceClient)
		log.Info("voice channel enabled", "caller_id", cfg.Voice.CallerID)
	} else {
		log.Info("voice channel disabled")
	}

	if cfg.Features.IsEnabled(config.FeatureDispatchWhatsApp) && cfg.WhatsApp.BaseURL != "" {
		waCfg := whatsapp.DefaultClientConfig()
		waCfg.BaseURL = cfg.WhatsApp.BaseURL
		waCfg.APIKey = cfg.WhatsApp.APIKey
		waCfg.SenderID = cfg.WhatsApp.SenderID
		waCfg.Timeout = cfg.WhatsApp.Timeout
		waCfg.RetryAttempts = cfg.WhatsApp.RetryAttempts
		waCfg.RetryDelay = cfg.WhatsApp.RetryDelay
		waCfg.Logger = log
		waCfg.Debug = cfg.App.Debug

		waClient, err := whatsapp.NewClient(waCfg)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp gateway: %w", err)
		}
		gateways = append(gateways, waClient)
		log.Info("whatsapp channel enabled", "sender_id", cfg.WhatsApp.SenderID)
	} else {
		log.Info("whatsapp channel disabled")
	}

	if cfg.Features.IsEnabled(config.FeatureDispatchEscalation) {
		gateways = append(gateways, escalation.NewSink(eventBus, log))
		log.Info("escalation channel enabled")
	} else {
		log.Info("escalation channel disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. ИНИЦИАЛИЗАЦИЯ ГЕНЕРАТОРА КОНТЕНТА
	// Пустой BaseURL выключает удалённый генератор: остаются только
	// статические шаблоны, цикл отправки никогда не блокируется.
	// ─────────────────────────────────────────────────────────────────────────
	generatorCfg := content.DefaultGeneratorConfig()
	if cfg.Features.IsEnabled(config.FeatureContentGenerator) {
		generatorCfg.BaseURL = cfg.Content.BaseURL
		generatorCfg.APIKey = cfg.Content.APIKey
		generatorCfg.Timeout = cfg.Content.Timeout
	}
	generatorCfg.Logger = log
	payloads := content.NewGenerator(generatorCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. СБОРКА ДВИЖКА ОТПРАВКИ
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing dispatch engine...")
	policy := intervention.NewPolicy()
	gate := intervention.NewGate(ledgerRepo, intervention.GateConfig{
		DailyContactCap: cfg.Gate.DailyContactCap,
		VoiceCooldown:   cfg.Gate.VoiceCooldown,
		QuietStartHour:  cfg.Gate.QuietStartHour,
		QuietEndHour:    cfg.Gate.QuietEndHour,
	})

	engine, err := dispatch.NewOrchestrator(dispatch.Params{
		Students:  studentRepo,
		Attempts:  ledgerRepo,
		Policy:    policy,
		Gate:      gate,
		Gateways:  gateways,
		Payloads:  payloads,
		Limiter:   rateLimiter,
		Locker:    scanLock,
		Publisher: eventBus,
		Config: dispatch.Config{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			GatewayTimeout: cfg.Dispatch.GatewayTimeout,
			Concurrency:    cfg.Dispatch.Concurrency,
			StaleGrace:     cfg.Dispatch.StaleGrace,
			Schedule: retry.Schedule{
				Initial:    cfg.Dispatch.RetryInitialDelay,
				Multiplier: cfg.Dispatch.RetryMultiplier,
				Max:        cfg.Dispatch.RetryMaxDelay,
			},
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatch engine: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. ИНИЦИАЛИЗАЦИЯ ПЛАНИРОВЩИКА
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler

	if cfg.Scheduler.Enabled {
		log.Info("initializing scheduler...")
		sched = scheduler.New(scheduler.Config{
			Logger:   log,
			Timezone: cfg.App.Location,
		})

		scanJob := jobs.NewScanCycleJob(engine, log, jobs.ScanCycleConfig{
			Timeout: cfg.Scheduler.JobTimeout,
		})
		if err := sched.Register(scanJob, scheduler.NewIntervalSchedule(cfg.Scheduler.ScanInterval)); err != nil {
			return fmt.Errorf("failed to register scan cycle job: %w", err)
		}

		if cfg.Features.IsEnabled(config.FeatureCounselorDigest) {
			digestCron, err := scheduler.ParseCronExpression(cfg.Scheduler.CounselorDigestCron)
			if err != nil {
				return fmt.Errorf("invalid counselor digest cron %q: %w", cfg.Scheduler.CounselorDigestCron, err)
			}
			digestJob := jobs.NewCounselorDigestJob(studentRepo, ledgerRepo, log, jobs.DefaultCounselorDigestConfig())
			if err := sched.Register(digestJob, digestCron); err != nil {
				return fmt.Errorf("failed to register counselor digest job: %w", err)
			}
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			log.Info("stopping scheduler...")
			_ = sched.Stop()
		}()
		log.Info("scheduler started",
			"scan_interval", cfg.Scheduler.ScanInterval.String(),
			"digest_cron", cfg.Scheduler.CounselorDigestCron,
		)
	} else {
		log.Warn("scheduler is disabled: scan cycles run only via manual trigger")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 12. ЗАПУСК HTTP СЕРВЕРА
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting HTTP server...", "host", cfg.HTTP.Host, "port", cfg.HTTP.Port)
	server := httpserver.NewServer(httpserver.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		APIKeyHeader: cfg.HTTP.APIKeyHeader,
		APIKeys:      cfg.HTTP.APIKeys,
	}, httpserver.Dependencies{
		Students:     studentRepo,
		Attempts:     ledgerRepo,
		Engine:       engine,
		Scheduler:    sched,
		Publisher:    eventBus,
		StudentCache: studentCache,
		DB:           dbConn,
		Redis:        redisCache,
		Gateways:     gateways,
		Logger:       log,
	})
	serverErrCh := server.StartAsync()

	log.Info("Abitura Admission Hub Worker is running",
		"address", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		"channels", len(gateways),
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 13. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("root context cancelled")
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	// Планировщик, шина, Redis и база закрываются через defer в обратном
	// порядке инициализации.
	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.App.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" || cfg.IsDevelopment() {
		// Текстовый формат для development (лучше читается)
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		// JSON формат для production (лучше для агрегаторов логов)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
