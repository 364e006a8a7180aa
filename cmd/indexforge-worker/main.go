// Точка входа Indexforge worker — фоновый обработчик запросов на сборку.
// Читает задачи из Redis Streams, резолвит образы через skopeo,
// выполняет конвейер legacy-экспорта (opm export, zip, push в OMPS)
// и записывает переходы состояний запросов в PostgreSQL.
// Миграции БД применяет API-модуль; worker работает с готовой схемой.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/indexforge/internal/api/handlers"
	"github.com/bigkaa/indexforge/internal/config"
	"github.com/bigkaa/indexforge/internal/database"
	"github.com/bigkaa/indexforge/internal/omps"
	"github.com/bigkaa/indexforge/internal/opm"
	"github.com/bigkaa/indexforge/internal/queue"
	"github.com/bigkaa/indexforge/internal/repository"
	"github.com/bigkaa/indexforge/internal/server"
	"github.com/bigkaa/indexforge/internal/service"
	"github.com/bigkaa/indexforge/internal/skopeo"
	"github.com/bigkaa/indexforge/internal/worker"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Indexforge worker запускается",
		slog.String("version", config.Version),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("IF_DEPHEALTH_GROUP") == "" {
		logger.Warn("IF_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}
	if !cfg.LegacyRegistryConfigured() {
		logger.Warn("IF_OMPS_URL не задан, запросы с legacy-пакетами будут завершаться ошибкой")
	}

	// 3. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 3.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 4. Подключение к Redis, consumer очереди задач
	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	consumer := queue.NewConsumer(rdb, logger)
	logger.Info("Redis consumer создан",
		slog.String("addr", cfg.RedisAddr),
		slog.String("consumer", consumer.Name()),
	)

	// 5. Repositories и сервис запросов
	requestRepo := repository.NewRequestRepository(pool)
	txRunner := repository.NewTxRunner(pool)
	producer := queue.NewProducer(rdb, logger)
	requestsSvc := service.NewRequestService(requestRepo, txRunner, producer, logger)

	// 6. Клиенты инструментов конвейера
	skopeoClient := skopeo.NewClient(cfg.InspectTimeout, logger)
	opmClient := opm.NewClient(cfg.ExportTimeout, logger)
	ompsClient := omps.New(cfg.OMPSURL, cfg.OMPSTimeout, logger)

	// 7. Сервис legacy-экспорта
	legacySvc := service.NewLegacyService(
		skopeoClient,
		opmClient,
		ompsClient,
		requestsSvc,
		cfg.LegacyRegistryConfigured(),
		cfg.WorkDir,
		logger,
	)

	// 8. Пул обработчиков задач
	wrk := worker.New(
		consumer,
		requestsSvc,
		legacySvc,
		skopeoClient,
		cfg.WorkerConcurrency,
		logger,
	)
	if err := wrk.Start(ctx); err != nil {
		logger.Error("Ошибка запуска worker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Worker запущен", slog.Int("concurrency", cfg.WorkerConcurrency))

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL + OMPS)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"indexforge-worker",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		"", // Keycloak проверяет API-модуль
		cfg.OMPSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 10. Сервер мониторинга: health endpoints + метрики, без аутентификации
	pgChecker := database.NewReadinessChecker(pool)
	redisChecker := queue.NewReadinessChecker(rdb)
	healthHandler := handlers.NewHealthHandler("indexforge-worker", pgChecker, redisChecker, nil)

	srv := server.NewMonitoring(cfg, logger, healthHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера мониторинга", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 11. Остановка: ждём завершения текущих задач
	logger.Info("Останавливаем обработку задач...")
	wrk.Stop()

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Indexforge worker остановлен")
}
