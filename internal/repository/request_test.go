package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/indexforge/internal/config"
	"github.com/bigkaa/indexforge/internal/database"
	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool, очистка через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("indexforge_test"),
		postgres.WithUsername("indexforge"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("IF_DB_HOST", host)
	os.Setenv("IF_DB_PORT", port.Port())
	os.Setenv("IF_DB_NAME", "indexforge_test")
	os.Setenv("IF_DB_USER", "indexforge")
	os.Setenv("IF_DB_PASSWORD", "test-password")
	os.Setenv("IF_DB_SSL_MODE", "disable")
	os.Setenv("IF_REDIS_ADDR", "localhost:6379")
	os.Setenv("IF_KEYCLOAK_URL", "http://localhost:8080")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// appendStateTx добавляет состояние в транзакции, как это делает сервисный слой.
func appendStateTx(ctx context.Context, txr *TxRunner, id int64, state model.State, reason string) error {
	return txr.RunInTx(ctx, func(tx pgx.Tx) error {
		return NewRequestRepository(tx).AppendState(ctx, id, state, reason)
	})
}

func TestRequestCreateAndGet(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRequestRepository(pool)

	req := &model.Request{
		Type:          model.TypeAdd,
		FromIndex:     "registry.example.com/index:v4.6",
		Bundles:       []string{"registry.example.com/bundle:1.0", "registry.example.com/bundle:2.0"},
		Organization:  "release-org",
		ForceBackport: true,
	}

	// Create
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if req.ID == 0 {
		t.Error("ID не установлен")
	}
	if req.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByID
	got, err := repo.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Type != model.TypeAdd {
		t.Errorf("Type = %s, хотели add", got.Type)
	}
	if got.FromIndex != req.FromIndex {
		t.Errorf("FromIndex = %q, хотели %q", got.FromIndex, req.FromIndex)
	}
	if len(got.Bundles) != 2 {
		t.Errorf("Bundles: %d элементов, хотели 2", len(got.Bundles))
	}
	if !got.ForceBackport {
		t.Error("ForceBackport = false, хотели true")
	}
	if len(got.States) != 0 {
		t.Errorf("новый запрос: история должна быть пустой, получено %d", len(got.States))
	}
	if got.State() != nil {
		t.Error("новый запрос: текущее состояние должно быть nil")
	}

	// GetByID для несуществующего id
	_, err = repo.GetByID(ctx, 999999)
	if err != ErrNotFound {
		t.Errorf("GetByID(999999): ожидали ErrNotFound, получили: %v", err)
	}
}

func TestRequestStateHistory(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRequestRepository(pool)
	txr := NewTxRunner(pool)

	req := &model.Request{Type: model.TypeAdd, FromIndex: "registry.example.com/index:v4.6"}
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Последовательные состояния
	steps := []struct {
		state  model.State
		reason string
	}{
		{model.StateInProgress, "The request was initiated"},
		{model.StateInProgress, "Resolving the container images"},
		{model.StateComplete, "The request completed successfully"},
	}
	for _, step := range steps {
		if err := appendStateTx(ctx, txr, req.ID, step.state, step.reason); err != nil {
			t.Fatalf("AppendState(%s) ошибка: %v", step.state, err)
		}
	}

	got, err := repo.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if len(got.States) != 3 {
		t.Fatalf("история: %d записей, хотели 3", len(got.States))
	}

	// Хронологический порядок
	for i, step := range steps {
		if got.States[i].State != step.state || got.States[i].StateReason != step.reason {
			t.Errorf("запись %d: %s %q, хотели %s %q",
				i, got.States[i].State, got.States[i].StateReason, step.state, step.reason)
		}
	}

	// Текущее состояние — последняя запись
	cur := got.State()
	if cur == nil || cur.State != model.StateComplete {
		t.Fatalf("текущее состояние: %+v, хотели complete", cur)
	}

	// Добавление после терминального состояния запрещено
	err = appendStateTx(ctx, txr, req.ID, model.StateInProgress, "should not happen")
	if err == nil {
		t.Fatal("добавление после complete должно вернуть ошибку")
	}
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ожидалась ValidationError, получена %T: %v", err, err)
	}
	want := "A complete request cannot change states"
	if ve.Message != want {
		t.Errorf("текст ошибки: %q, хотели %q", ve.Message, want)
	}

	// История не изменилась
	got2, _ := repo.GetByID(ctx, req.ID)
	if len(got2.States) != 3 {
		t.Errorf("после отклонённого добавления: %d записей, хотели 3", len(got2.States))
	}

	// Несуществующий запрос
	err = appendStateTx(ctx, txr, 999999, model.StateInProgress, "x")
	if err != ErrNotFound {
		t.Errorf("AppendState(999999): ожидали ErrNotFound, получили: %v", err)
	}
}

func TestRequestArchitectures(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRequestRepository(pool)

	req := &model.Request{Type: model.TypeAdd}
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Повторное добавление amd64 идемпотентно
	for _, name := range []string{"amd64", "s390x", "amd64", "ppc64le", "s390x"} {
		if err := repo.AddArchitecture(ctx, req.ID, name); err != nil {
			t.Fatalf("AddArchitecture(%q) ошибка: %v", name, err)
		}
	}

	got, err := repo.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}

	want := []string{"amd64", "s390x", "ppc64le"}
	if len(got.Architectures) != len(want) {
		t.Fatalf("архитектуры: %d, хотели %d", len(got.Architectures), len(want))
	}
	// Порядок первого добавления сохраняется
	for i, name := range want {
		if got.Architectures[i].Name != name {
			t.Errorf("архитектура %d: %q, хотели %q", i, got.Architectures[i].Name, name)
		}
	}

	// Несуществующий запрос
	if err := repo.AddArchitecture(ctx, 999999, "amd64"); err != ErrNotFound {
		t.Errorf("AddArchitecture(999999): ожидали ErrNotFound, получили: %v", err)
	}
}

func TestRequestListAndCount(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRequestRepository(pool)
	txr := NewTxRunner(pool)

	// Три запроса: in_progress, complete, failed
	finals := []model.State{model.StateInProgress, model.StateComplete, model.StateFailed}
	for _, final := range finals {
		req := &model.Request{Type: model.TypeAdd}
		if err := repo.Create(ctx, req); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
		if err := appendStateTx(ctx, txr, req.ID, model.StateInProgress, "The request was initiated"); err != nil {
			t.Fatalf("AppendState ошибка: %v", err)
		}
		if final != model.StateInProgress {
			if err := appendStateTx(ctx, txr, req.ID, final, "done"); err != nil {
				t.Fatalf("AppendState ошибка: %v", err)
			}
		}
	}

	// Без фильтра
	all, err := repo.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() вернул %d записей, хотели 3", len(all))
	}

	// Фильтр по текущему состоянию: учитывается последняя запись истории
	failed := model.StateFailed
	onlyFailed, err := repo.List(ctx, &failed, 10, 0)
	if err != nil {
		t.Fatalf("List(failed) ошибка: %v", err)
	}
	if len(onlyFailed) != 1 {
		t.Fatalf("List(failed) вернул %d записей, хотели 1", len(onlyFailed))
	}
	if cur := onlyFailed[0].State(); cur == nil || cur.State != model.StateFailed {
		t.Errorf("текущее состояние: %+v, хотели failed", cur)
	}

	inProgress := model.StateInProgress
	count, err := repo.Count(ctx, &inProgress)
	if err != nil {
		t.Fatalf("Count() ошибка: %v", err)
	}
	// Запрос, прошедший in_progress → complete, не должен попадать в фильтр
	if count != 1 {
		t.Errorf("Count(in_progress) = %d, хотели 1", count)
	}

	// Пагинация
	page, err := repo.List(ctx, nil, 2, 2)
	if err != nil {
		t.Fatalf("List() пагинация ошибка: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("страница limit=2 offset=2: %d записей, хотели 1", len(page))
	}
}

// TestAppendStateConcurrent проверяет атомарность проверки терминальности:
// после complete ни одна из параллельных попыток не должна пройти.
func TestAppendStateConcurrent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRequestRepository(pool)
	txr := NewTxRunner(pool)

	req := &model.Request{Type: model.TypeAdd}
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := appendStateTx(ctx, txr, req.ID, model.StateComplete, "done"); err != nil {
		t.Fatalf("AppendState(complete) ошибка: %v", err)
	}

	const goroutines = 10
	var wg sync.WaitGroup
	errCh := make(chan error, goroutines)

	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			errCh <- appendStateTx(ctx, txr, req.ID, model.StateInProgress, "race attempt")
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		var ve *errs.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("параллельная попытка: ожидалась ValidationError, получено: %v", err)
		}
	}

	got, _ := repo.GetByID(ctx, req.ID)
	if len(got.States) != 1 {
		t.Errorf("история после гонки: %d записей, хотели 1", len(got.States))
	}
}
