// Пакет config — загрузка и валидация конфигурации indexforge
// из переменных окружения.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/indexforge/internal/domain/errs"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// GreenwaveParams — параметры запроса решения в Greenwave для одной очереди.
type GreenwaveParams struct {
	DecisionContext string `json:"decision_context"`
	ProductVersion  string `json:"product_version"`
	SubjectType     string `json:"subject_type"`
}

// Config содержит все параметры конфигурации indexforge.
// Используется обоими бинарями (API и worker).
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Redis (очередь задач) ---

	// Адрес Redis (host:port)
	RedisAddr string
	// Пароль Redis (пустой — без аутентификации)
	RedisPassword string
	// Номер базы Redis
	RedisDB int

	// --- Keycloak / JWT ---

	// URL Keycloak (например, https://keycloak.example.com)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string

	// --- Маппинг групп → ролей ---

	// Группы Keycloak, дающие роль admin (через запятую)
	RoleAdminGroups []string
	// Группы Keycloak, дающие роль readonly (через запятую)
	RoleReadonlyGroups []string

	// --- Legacy app registry (OMPS) ---

	// URL OMPS. Пустой — сервис не настроен для legacy-реестра
	OMPSURL string
	// Таймаут запросов к OMPS
	OMPSTimeout time.Duration

	// --- Конвейер сборки ---

	// Число одновременно обрабатываемых задач в worker
	WorkerConcurrency int
	// Таймаут skopeo inspect
	InspectTimeout time.Duration
	// Таймаут opm index export
	ExportTimeout time.Duration
	// Каталог для временных файлов экспорта
	WorkDir string

	// --- Gating (Greenwave) ---

	// Параметры gating по очередям. Пустая строка-ключ — очередь по умолчанию
	GreenwaveConfig map[string]GreenwaveParams
	// Маппинг пользователь → очередь
	UserToQueue map[string]string

	// --- Dephealth ---

	// Имя группы сервисов для topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IF_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("IF_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("IF_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IF_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// IF_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IF_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IF_LOG_LEVEL: %w", err)
	}

	// IF_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IF_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IF_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// IF_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IF_DB_HOST")
	if err != nil {
		return nil, err
	}

	// IF_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IF_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IF_DB_PORT: %w", err)
	}

	// IF_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("IF_DB_NAME")
	if err != nil {
		return nil, err
	}

	// IF_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IF_DB_USER")
	if err != nil {
		return nil, err
	}

	// IF_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IF_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IF_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IF_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IF_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Redis ---

	// IF_REDIS_ADDR — обязательный
	cfg.RedisAddr, err = getEnvRequired("IF_REDIS_ADDR")
	if err != nil {
		return nil, err
	}

	// IF_REDIS_PASSWORD — пароль Redis (опционально)
	cfg.RedisPassword = getEnvDefault("IF_REDIS_PASSWORD", "")

	// IF_REDIS_DB — номер базы Redis (по умолчанию 0)
	cfg.RedisDB, err = getEnvInt("IF_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("IF_REDIS_DB: %w", err)
	}

	// --- Keycloak / JWT ---

	// IF_KEYCLOAK_URL — опциональный: worker не проверяет JWT.
	// API-модуль требует заданного JWKS URL и проверяет это при старте.
	cfg.KeycloakURL = strings.TrimRight(getEnvDefault("IF_KEYCLOAK_URL", ""), "/")

	// IF_KEYCLOAK_REALM — realm (по умолчанию indexforge)
	cfg.KeycloakRealm = getEnvDefault("IF_KEYCLOAK_REALM", "indexforge")

	// IF_JWT_ISSUER / IF_JWT_JWKS_URL — авто-вычисляются из KeycloakURL,
	// если не заданы явно
	cfg.JWTIssuer = getEnvDefault("IF_JWT_ISSUER", "")
	cfg.JWTJWKSURL = getEnvDefault("IF_JWT_JWKS_URL", "")
	if cfg.KeycloakURL != "" {
		if cfg.JWTIssuer == "" {
			cfg.JWTIssuer = fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm)
		}
		if cfg.JWTJWKSURL == "" {
			cfg.JWTJWKSURL = fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs",
				cfg.KeycloakURL, cfg.KeycloakRealm)
		}
	}

	// --- Маппинг групп → ролей ---

	// IF_ROLE_ADMIN_GROUPS — группы для роли admin (по умолчанию "indexforge-admins")
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("IF_ROLE_ADMIN_GROUPS", "indexforge-admins"))

	// IF_ROLE_READONLY_GROUPS — группы для роли readonly (по умолчанию "indexforge-viewers")
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("IF_ROLE_READONLY_GROUPS", "indexforge-viewers"))

	// --- Legacy app registry ---

	// IF_OMPS_URL — URL OMPS (опционально)
	cfg.OMPSURL = strings.TrimRight(getEnvDefault("IF_OMPS_URL", ""), "/")

	// IF_OMPS_TIMEOUT — таймаут запросов к OMPS (по умолчанию 30s)
	cfg.OMPSTimeout, err = getEnvDuration("IF_OMPS_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IF_OMPS_TIMEOUT: %w", err)
	}

	// --- Конвейер сборки ---

	// IF_WORKER_CONCURRENCY — число одновременных задач (по умолчанию 4)
	cfg.WorkerConcurrency, err = getEnvInt("IF_WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("IF_WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency < 1 || cfg.WorkerConcurrency > 32 {
		return nil, fmt.Errorf("IF_WORKER_CONCURRENCY: значение %d вне допустимого диапазона 1-32", cfg.WorkerConcurrency)
	}

	// IF_INSPECT_TIMEOUT — таймаут skopeo inspect (по умолчанию 30s)
	cfg.InspectTimeout, err = getEnvDuration("IF_INSPECT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IF_INSPECT_TIMEOUT: %w", err)
	}

	// IF_EXPORT_TIMEOUT — таймаут opm index export (по умолчанию 10m)
	cfg.ExportTimeout, err = getEnvDuration("IF_EXPORT_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IF_EXPORT_TIMEOUT: %w", err)
	}

	// IF_WORKDIR — каталог временных файлов (по умолчанию системный temp)
	cfg.WorkDir = getEnvDefault("IF_WORKDIR", os.TempDir())

	// --- Gating ---

	if err := loadGatingConfig(cfg); err != nil {
		return nil, err
	}

	// --- Dephealth ---

	// IF_DEPHEALTH_GROUP — имя группы сервисов (по умолчанию indexforge)
	cfg.DephealthGroup = getEnvDefault("IF_DEPHEALTH_GROUP", "indexforge")

	// IF_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IF_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IF_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// IF_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IF_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IF_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadGatingConfig разбирает IF_USER_TO_QUEUE и IF_GREENWAVE_CONFIG
// и валидирует согласованность параметров gating.
func loadGatingConfig(cfg *Config) error {
	// IF_USER_TO_QUEUE — JSON-объект пользователь → очередь (опционально)
	rawUserToQueue := getEnvDefault("IF_USER_TO_QUEUE", "")
	if rawUserToQueue != "" {
		if err := json.Unmarshal([]byte(rawUserToQueue), &cfg.UserToQueue); err != nil {
			return fmt.Errorf("IF_USER_TO_QUEUE: некорректный JSON: %w", err)
		}
	}

	// IF_GREENWAVE_CONFIG — JSON-объект очередь → параметры gating (опционально).
	// Ключ "" задаёт параметры очереди по умолчанию.
	rawGreenwave := getEnvDefault("IF_GREENWAVE_CONFIG", "")
	if rawGreenwave == "" {
		return nil
	}

	var raw map[string]map[string]string
	if err := json.Unmarshal([]byte(rawGreenwave), &raw); err != nil {
		return fmt.Errorf("IF_GREENWAVE_CONFIG: некорректный JSON: %w", err)
	}

	if err := validateGatingConfig(raw, cfg.UserToQueue); err != nil {
		return err
	}

	cfg.GreenwaveConfig = make(map[string]GreenwaveParams, len(raw))
	for queue, params := range raw {
		cfg.GreenwaveConfig[queue] = GreenwaveParams{
			DecisionContext: params["decision_context"],
			ProductVersion:  params["product_version"],
			SubjectType:     params["subject_type"],
		}
	}
	return nil
}

// requiredGreenwaveParams — полный набор параметров gating для каждой очереди.
var requiredGreenwaveParams = []string{"decision_context", "product_version", "subject_type"}

// validateGatingConfig проверяет параметры gating:
// каждая очередь должна быть известна из IF_USER_TO_QUEUE (кроме очереди
// по умолчанию ""), набор параметров должен совпадать с требуемым,
// subject_type поддерживается только koji_build.
func validateGatingConfig(greenwave map[string]map[string]string, userToQueue map[string]string) error {
	validQueues := make(map[string]bool, len(userToQueue)+1)
	for _, queue := range userToQueue {
		validQueues[queue] = true
	}
	// Очередь по умолчанию допустима всегда
	validQueues[""] = true

	var invalidQueues []string
	for queue := range greenwave {
		if !validQueues[queue] {
			invalidQueues = append(invalidQueues, queue)
		}
	}
	if len(invalidQueues) > 0 {
		sort.Strings(invalidQueues)
		return errs.Configf(`The following queues are invalid in "IF_GREENWAVE_CONFIG": %s`,
			strings.Join(invalidQueues, ", "))
	}

	required := make(map[string]bool, len(requiredGreenwaveParams))
	for _, p := range requiredGreenwaveParams {
		required[p] = true
	}

	queues := make([]string, 0, len(greenwave))
	for queue := range greenwave {
		queues = append(queues, queue)
	}
	sort.Strings(queues)

	for _, queue := range queues {
		params := greenwave[queue]

		var missing []string
		for _, p := range requiredGreenwaveParams {
			if _, ok := params[p]; !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return errs.Configf(`Missing required params %s for queue %s in "IF_GREENWAVE_CONFIG"`,
				strings.Join(missing, ", "), queue)
		}

		var invalid []string
		for p := range params {
			if !required[p] {
				invalid = append(invalid, p)
			}
		}
		if len(invalid) > 0 {
			sort.Strings(invalid)
			return errs.Configf(`Invalid params %s for queue %s in "IF_GREENWAVE_CONFIG"`,
				strings.Join(invalid, ", "), queue)
		}

		if params["subject_type"] != "koji_build" {
			return errs.Configf(`indexforge only supports gating for subject_type "koji_build". `+
				`Invalid subject_type %s defined for queue %s in "IF_GREENWAVE_CONFIG"`,
				params["subject_type"], queue)
		}
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// LegacyRegistryConfigured сообщает, настроен ли legacy app registry.
func (c *Config) LegacyRegistryConfigured() bool {
	return c.OMPSURL != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
