// Точка входа Indexforge API — REST-сервис управления запросами
// на сборку индексных образов операторов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// и Redis, инициализирует JWT middleware и OpenAPI контракт,
// запускает фоновый мониторинг зависимостей (topologymetrics)
// и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/indexforge/internal/api/handlers"
	"github.com/bigkaa/indexforge/internal/api/middleware"
	"github.com/bigkaa/indexforge/internal/api/openapi"
	"github.com/bigkaa/indexforge/internal/config"
	"github.com/bigkaa/indexforge/internal/database"
	"github.com/bigkaa/indexforge/internal/queue"
	"github.com/bigkaa/indexforge/internal/repository"
	"github.com/bigkaa/indexforge/internal/server"
	"github.com/bigkaa/indexforge/internal/service"
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
	logger.Info("Indexforge API запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("IF_DEPHEALTH_GROUP") == "" {
		logger.Warn("IF_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// API требует настроенного Keycloak (worker обходится без него)
	if cfg.JWTJWKSURL == "" {
		logger.Error("IF_KEYCLOAK_URL или IF_JWT_JWKS_URL должны быть заданы для API-модуля")
		os.Exit(1)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Подключение к Redis (очередь задач worker-процесса)
	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	producer := queue.NewProducer(rdb, logger)
	logger.Info("Redis клиент создан", slog.String("addr", cfg.RedisAddr))

	// 6. Repositories
	requestRepo := repository.NewRequestRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	// 7. Services
	requestsSvc := service.NewRequestService(requestRepo, txRunner, producer, logger)

	// 8. Readiness checkers (PostgreSQL + Redis + Keycloak JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	redisChecker := queue.NewReadinessChecker(rdb)
	kcChecker := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, 5*time.Second)
	healthHandler := handlers.NewHealthHandler("indexforge-api", pgChecker, redisChecker, kcChecker)

	// 9. API handlers
	buildsHandler := handlers.NewBuildsHandler(requestsSvc, logger)

	// 10. OpenAPI контракт (валидируется при старте, отдаётся в JSON)
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	openapiHandler, err := openapi.Handler(doc)
	if err != nil {
		logger.Error("Ошибка подготовки OpenAPI handler", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("OpenAPI контракт загружен", slog.String("version", doc.Info.Version))

	// 11. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTIssuer,
		cfg.RoleAdminGroups,
		cfg.RoleReadonlyGroups,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 12. topologymetrics — мониторинг зависимостей (PostgreSQL + Keycloak)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"indexforge-api",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.JWTJWKSURL,
		"", // OMPS проверяет worker
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

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.Routes{
		Builds:  buildsHandler,
		Health:  healthHandler,
		OpenAPI: openapiHandler,
		Auth:    jwtAuth,
	})
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Остановка фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Indexforge API остановлен")
}
