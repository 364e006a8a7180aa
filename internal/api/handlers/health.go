// health.go — обработчики health endpoints Indexforge.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (PostgreSQL, Redis и, для API, Keycloak)
// /metrics — Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/indexforge/internal/config"
)

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	serviceName     string
	pgChecker       ReadinessChecker
	redisChecker    ReadinessChecker
	keycloakChecker ReadinessChecker
	promHandler     http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// serviceName — имя сервиса в ответах (indexforge-api, indexforge-worker).
// keycloakChecker может быть nil — worker не проверяет Keycloak.
func NewHealthHandler(serviceName string, pgChecker, redisChecker, keycloakChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		serviceName:     serviceName,
		pgChecker:       pgChecker,
		redisChecker:    redisChecker,
		keycloakChecker: keycloakChecker,
		promHandler:     promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL healthCheckResult  `json:"postgresql"`
		Redis      healthCheckResult  `json:"redis"`
		Keycloak   *healthCheckResult `json:"keycloak,omitempty"`
	} `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   h.serviceName,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady — readiness probe. Проверяет PostgreSQL, Redis и Keycloak (если задан).
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   h.serviceName,
	}

	resp.Checks.PostgreSQL = runCheck(h.pgChecker)
	resp.Checks.Redis = runCheck(h.redisChecker)

	statuses := []string{resp.Checks.PostgreSQL.Status, resp.Checks.Redis.Status}
	if h.keycloakChecker != nil {
		kc := runCheck(h.keycloakChecker)
		resp.Checks.Keycloak = &kc
		statuses = append(statuses, kc.Status)
	}

	// Определяем итоговый статус
	resp.Status = overallStatus(statuses...)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == statusFail {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// Константы статусов health check.
const statusFail = "fail"

// runCheck выполняет проверку зависимости, допуская nil checker.
func runCheck(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}
	status, message := c.CheckReady()
	return healthCheckResult{Status: status, Message: message}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
