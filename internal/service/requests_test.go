package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/indexforge/internal/config"
	"github.com/bigkaa/indexforge/internal/database"
	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/queue"
	"github.com/bigkaa/indexforge/internal/repository"
)

// fakeProducer запоминает поставленные задачи.
type fakeProducer struct {
	jobs []queue.AddRequestJob
	err  error
}

func (f *fakeProducer) EnqueueAddRequest(ctx context.Context, job queue.AddRequestJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// TestValidateAddRequestParams проверяет валидацию параметров запроса add.
func TestValidateAddRequestParams(t *testing.T) {
	validBundle := "quay.io/ns/bundle:v1.0"

	tests := []struct {
		name    string
		params  AddRequestParams
		wantErr string
	}{
		{
			"валидные параметры",
			AddRequestParams{FromIndex: "registry.example.com/index:v4.6", Bundles: []string{validBundle}},
			"",
		},
		{
			"бандл с digest",
			AddRequestParams{
				FromIndex: "registry.example.com/index:v4.6",
				Bundles:   []string{"quay.io/ns/bundle@sha256:3c0347c2602bdcfa0a7a2b9f0d56f5f8bd72bbbe327098d37a801fd5d4d0b7a9"},
			},
			"",
		},
		{
			"короткое имя нормализуется",
			AddRequestParams{FromIndex: "index", Bundles: []string{"bundle"}},
			"",
		},
		{
			"пустой from_index",
			AddRequestParams{Bundles: []string{validBundle}},
			`"from_index" must be a non-empty string`,
		},
		{
			"некорректный from_index",
			AddRequestParams{FromIndex: "not a pull spec!", Bundles: []string{validBundle}},
			`"not a pull spec!" is not a valid container image pull specification`,
		},
		{
			"пустой список бандлов",
			AddRequestParams{FromIndex: "registry.example.com/index:v4.6"},
			`"bundles" should be a non-empty array of strings`,
		},
		{
			"некорректный бандл",
			AddRequestParams{FromIndex: "registry.example.com/index:v4.6", Bundles: []string{validBundle, "bad ref"}},
			`"bad ref" is not a valid container image pull specification`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddRequestParams(tt.params)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("неожиданная ошибка: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatal("ожидалась ошибка, получен nil")
			}
			var valErr *errs.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("ожидалась ValidationError, получено %T", err)
			}
			if valErr.Message != tt.wantErr {
				t.Errorf("сообщение = %q, ожидалось %q", valErr.Message, tt.wantErr)
			}
		})
	}
}

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
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

	logger := testLogger()
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка применения миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения к БД: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

// newRequestService создаёт сервис поверх реальной БД и фейковой очереди.
func newRequestService(t *testing.T, pool *pgxpool.Pool, producer *fakeProducer) *RequestService {
	t.Helper()
	return NewRequestService(
		repository.NewRequestRepository(pool),
		repository.NewTxRunner(pool),
		producer,
		testLogger(),
	)
}

// TestCreateAddRequest проверяет создание запроса: начальное состояние,
// постановку задачи в очередь и отсутствие cnr_token в ответе.
func TestCreateAddRequest(t *testing.T) {
	pool := setupTestDB(t)
	producer := &fakeProducer{}
	svc := newRequestService(t, pool, producer)
	ctx := context.Background()

	req, err := svc.CreateAddRequest(ctx, AddRequestParams{
		FromIndex:     "registry.example.com/index:v4.6",
		Bundles:       []string{"quay.io/ns/bundle:v1.0", "quay.io/ns/other:v2.0"},
		Organization:  "cnr-org",
		CnrToken:      "secret-token",
		ForceBackport: true,
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if req.ID == 0 {
		t.Error("ID запроса не заполнен")
	}
	if req.Type != model.TypeAdd {
		t.Errorf("тип = %v, ожидался add", req.Type)
	}
	if len(req.States) != 1 {
		t.Fatalf("состояний = %d, ожидалось 1", len(req.States))
	}
	if st := req.State(); st.State != model.StateInProgress || st.StateReason != "The request was initiated" {
		t.Errorf("начальное состояние: %+v", st)
	}

	if len(producer.jobs) != 1 {
		t.Fatalf("задач в очереди = %d, ожидалась 1", len(producer.jobs))
	}
	job := producer.jobs[0]
	if job.RequestID != req.ID {
		t.Errorf("request_id задачи = %d, ожидался %d", job.RequestID, req.ID)
	}
	if job.CnrToken != "secret-token" || !job.ForceBackport {
		t.Errorf("параметры задачи: %+v", job)
	}

	// Запрос читается обратно со всей историей
	got, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("неожиданная ошибка Get: %v", err)
	}
	if got.FromIndex != req.FromIndex || len(got.Bundles) != 2 {
		t.Errorf("перечитанный запрос: %+v", got)
	}

	if _, err := svc.Get(ctx, 999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("для несуществующего id ожидалась ErrNotFound, получено %v", err)
	}
}

// TestCreateAddRequest_InvalidParams проверяет, что невалидные параметры
// не создают запись в БД.
func TestCreateAddRequest_InvalidParams(t *testing.T) {
	pool := setupTestDB(t)
	producer := &fakeProducer{}
	svc := newRequestService(t, pool, producer)
	ctx := context.Background()

	_, err := svc.CreateAddRequest(ctx, AddRequestParams{FromIndex: "registry.example.com/index:v4.6"})
	var valErr *errs.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("ожидалась ValidationError, получено %v", err)
	}

	_, total, err := svc.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("неожиданная ошибка List: %v", err)
	}
	if total != 0 {
		t.Errorf("в БД %d запросов, ожидалось 0", total)
	}
	if len(producer.jobs) != 0 {
		t.Error("задача не должна ставиться в очередь")
	}
}

// TestCreateAddRequest_SchedulingFailure проверяет перевод запроса в failed
// при неудачной постановке задачи в очередь.
func TestCreateAddRequest_SchedulingFailure(t *testing.T) {
	pool := setupTestDB(t)
	producer := &fakeProducer{err: errors.New("redis: connection refused")}
	svc := newRequestService(t, pool, producer)
	ctx := context.Background()

	_, err := svc.CreateAddRequest(ctx, AddRequestParams{
		FromIndex: "registry.example.com/index:v4.6",
		Bundles:   []string{"quay.io/ns/bundle:v1.0"},
	})
	if !errors.Is(err, ErrSchedulingFailed) {
		t.Fatalf("ожидалась ErrSchedulingFailed, получено %v", err)
	}

	// Запрос остаётся в БД в состоянии failed
	failed := model.StateFailed
	reqs, total, err := svc.List(ctx, &failed, 10, 0)
	if err != nil {
		t.Fatalf("неожиданная ошибка List: %v", err)
	}
	if total != 1 || len(reqs) != 1 {
		t.Fatalf("запросов в failed = %d, ожидался 1", total)
	}

	req := reqs[0]
	if len(req.States) != 2 {
		t.Fatalf("состояний = %d, ожидалось 2", len(req.States))
	}
	if st := req.State(); st.State != model.StateFailed || st.StateReason != "The scheduling of the request failed" {
		t.Errorf("итоговое состояние: %+v", st)
	}
}

// TestSetRequestState_NotFound проверяет ErrNotFound для несуществующего запроса.
func TestSetRequestState_NotFound(t *testing.T) {
	pool := setupTestDB(t)
	svc := newRequestService(t, pool, &fakeProducer{})

	err := svc.SetRequestState(context.Background(), 424242, model.StateComplete, "done")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}
