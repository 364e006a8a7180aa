// Пакет server — HTTP-серверы Indexforge с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/indexforge/internal/api/handlers"
	"github.com/bigkaa/indexforge/internal/api/middleware"
	"github.com/bigkaa/indexforge/internal/config"
)

// Таймауты HTTP-сервера.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 60 * time.Second
	idleTimeout  = 120 * time.Second
)

// Server — HTTP-сервер Indexforge.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Routes — обработчики API-сервера.
type Routes struct {
	Builds  *handlers.BuildsHandler
	Health  *handlers.HealthHandler
	OpenAPI http.HandlerFunc
	Auth    *middleware.JWTAuth
}

// New создаёт API-сервер с настроенными маршрутами и middleware.
// Health, метрики и OpenAPI документ доступны без аутентификации,
// маршруты /api/v1/builds защищены JWT и RBAC.
func New(cfg *config.Config, logger *slog.Logger, routes Routes) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(JWTAuthWithExclusions(routes.Auth.Middleware(),
		"/health/", "/metrics", "/api/v1/openapi.json"))

	router.Get("/health/live", routes.Health.HealthLive)
	router.Get("/health/ready", routes.Health.HealthReady)
	router.Get("/metrics", routes.Health.GetMetrics)
	router.Get("/api/v1/openapi.json", routes.OpenAPI)

	readAccess := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin, middleware.RoleReadonly},
		[]string{"builds:read"},
	)
	writeAccess := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin},
		[]string{"builds:write"},
	)

	router.Route("/api/v1/builds", func(r chi.Router) {
		r.With(writeAccess).Post("/add", routes.Builds.AddBuild)
		r.With(readAccess).Get("/", routes.Builds.ListBuilds)
		r.With(readAccess).Get("/{id}", routes.Builds.GetBuild)
	})

	return newServer(cfg, logger, router)
}

// NewMonitoring создаёт сервер мониторинга worker-процесса:
// только health endpoints и метрики, без аутентификации.
func NewMonitoring(cfg *config.Config, logger *slog.Logger, health *handlers.HealthHandler) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	return newServer(cfg, logger, router)
}

func newServer(cfg *config.Config, logger *slog.Logger, router *chi.Mux) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// JWTAuthWithExclusions оборачивает middleware, пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без middleware.
func JWTAuthWithExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Проверяем, начинается ли путь с исключённого префикса
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Применяем middleware
			mw(next).ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
