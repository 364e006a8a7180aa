// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// API-модуль мониторит PostgreSQL (SQL checker через существующий pgxpool,
// critical) и Keycloak (HTTP checker к JWKS endpoint, critical). Worker вместо
// Keycloak мониторит реестр OMPS (HTTP, non-critical: без него обрабатываются
// запросы, не требующие legacy-экспорта).
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Keycloak и OMPS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// ompsHealthPath — health endpoint реестра OMPS.
const ompsHealthPath = "/v2/health/ping"

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Проверка PostgreSQL выполняется через *sql.DB (адаптер pgxpool,
// stdlib.OpenDBFromPool), что отражает реальное состояние пула соединений.
// keycloakJWKSURL и ompsURL опциональны: пустое значение отключает
// соответствующую проверку, поэтому конструктор общий для API и worker.
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	keycloakJWKSURL string,
	ompsURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, keycloakJWKSURL, ompsURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	keycloakJWKSURL string,
	ompsURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, keycloakJWKSURL, ompsURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	keycloakJWKSURL string,
	ompsURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		// pgcheck.New + AddDependency напрямую, чтобы не тянуть
		// contrib/sqldb с транзитивной зависимостью на MySQL.
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}

	if keycloakJWKSURL != "" {
		// У Keycloak /health доступен только на management-порту,
		// поэтому проверяем path самого JWKS URL: это подтверждает
		// доступность realm и OIDC endpoints.
		opts = append(opts, dephealth.HTTP("keycloak-jwks",
			dephealth.FromURL(keycloakJWKSURL),
			dephealth.WithHTTPHealthPath(healthPathFromURL(keycloakJWKSURL, "/health")),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
		))
	}

	if ompsURL != "" {
		opts = append(opts, dephealth.HTTP("omps-registry",
			dephealth.FromURL(ompsURL),
			dephealth.WithHTTPHealthPath(ompsHealthPath),
			dephealth.CheckInterval(checkInterval),
			// Без OMPS обрабатываются запросы без legacy-экспорта
			dephealth.Critical(false),
			dephealth.WithHTTPTLSSkipVerify(true),
		))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPathFromURL возвращает path из URL для HTTP health check.
// При пустом path или ошибке разбора возвращается fallback.
func healthPathFromURL(rawURL, fallback string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return fallback
	}
	return parsed.Path
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
