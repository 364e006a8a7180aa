// requests.go — сервис жизненного цикла запросов на сборку индекса.
//
// Создание запроса и записи в историю состояний выполняются в транзакции:
// проверка терминальности текущего состояния и вставка новой записи
// атомарны относительно параллельных обработчиков того же запроса.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/distribution/reference"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/queue"
	"github.com/bigkaa/indexforge/internal/repository"
)

// Prometheus-метрики жизненного цикла запросов.
var (
	requestsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "if_requests_created_total",
		Help: "Количество созданных запросов на сборку по типам",
	}, []string{"type"})

	requestStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "if_request_states_total",
		Help: "Количество записанных переходов состояний по состояниям",
	}, []string{"state"})
)

// TaskProducer — постановка задач обработки запроса в очередь.
type TaskProducer interface {
	EnqueueAddRequest(ctx context.Context, job queue.AddRequestJob) error
}

// AddRequestParams — параметры создания запроса типа add.
// CnrToken не сохраняется в БД и передаётся только в задачу очереди.
type AddRequestParams struct {
	FromIndex     string
	Bundles       []string
	Organization  string
	CnrToken      string
	ForceBackport bool
}

// RequestService — операции над запросами на сборку.
type RequestService struct {
	repo     repository.RequestRepository
	tx       *repository.TxRunner
	producer TaskProducer
	logger   *slog.Logger
}

// NewRequestService создаёт сервис запросов на сборку.
func NewRequestService(
	repo repository.RequestRepository,
	tx *repository.TxRunner,
	producer TaskProducer,
	logger *slog.Logger,
) *RequestService {
	return &RequestService{
		repo:     repo,
		tx:       tx,
		producer: producer,
		logger:   logger.With(slog.String("component", "request_service")),
	}
}

// validateAddRequestParams проверяет параметры запроса типа add.
// Каждый pull-spec должен быть валидной ссылкой на образ.
func validateAddRequestParams(params AddRequestParams) error {
	if params.FromIndex == "" {
		return errs.Validationf(`"from_index" must be a non-empty string`)
	}
	if err := validateImageReference(params.FromIndex); err != nil {
		return err
	}

	if len(params.Bundles) == 0 {
		return errs.Validationf(`"bundles" should be a non-empty array of strings`)
	}
	for _, bundle := range params.Bundles {
		if err := validateImageReference(bundle); err != nil {
			return err
		}
	}
	return nil
}

// validateImageReference проверяет pull-spec образа.
func validateImageReference(ref string) error {
	if _, err := reference.ParseDockerRef(ref); err != nil {
		return errs.Validationf("%q is not a valid container image pull specification", ref)
	}
	return nil
}

// CreateAddRequest создаёт запрос типа add с начальным состоянием
// и ставит задачу обработки в очередь. При неудаче постановки запрос
// переводится в failed, а вызывающему возвращается ErrSchedulingFailed.
func (s *RequestService) CreateAddRequest(ctx context.Context, params AddRequestParams) (*model.Request, error) {
	if err := validateAddRequestParams(params); err != nil {
		return nil, err
	}

	req := &model.Request{
		Type:          model.TypeAdd,
		FromIndex:     params.FromIndex,
		Bundles:       params.Bundles,
		Organization:  params.Organization,
		ForceBackport: params.ForceBackport,
	}

	// Запрос и его начальное состояние создаются в одной транзакции
	err := s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		txRepo := repository.NewRequestRepository(tx)
		if err := txRepo.Create(ctx, req); err != nil {
			return err
		}
		return txRepo.AppendState(ctx, req.ID, model.StateInProgress, "The request was initiated")
	})
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	requestsCreatedTotal.WithLabelValues(req.Type.String()).Inc()
	requestStatesTotal.WithLabelValues(model.StateInProgress.String()).Inc()

	s.logger.Info("Запрос на сборку создан",
		slog.Int64("request_id", req.ID),
		slog.String("type", req.Type.String()),
		slog.String("from_index", req.FromIndex),
		slog.Int("bundles", len(req.Bundles)),
	)

	job := queue.AddRequestJob{
		RequestID:     req.ID,
		FromIndex:     params.FromIndex,
		Bundles:       params.Bundles,
		Organization:  params.Organization,
		CnrToken:      params.CnrToken,
		ForceBackport: params.ForceBackport,
	}
	if err := s.producer.EnqueueAddRequest(ctx, job); err != nil {
		s.logger.Error("Не удалось поставить задачу в очередь",
			slog.Int64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		if stateErr := s.SetRequestState(ctx, req.ID, model.StateFailed, ErrSchedulingFailed.Error()); stateErr != nil {
			s.logger.Error("Не удалось записать состояние failed после ошибки очереди",
				slog.Int64("request_id", req.ID),
				slog.String("error", stateErr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrSchedulingFailed, err) //nolint:errorlint // намеренный двойной wrap
	}

	// Перечитываем запрос, чтобы вернуть его с заполненной историей состояний
	return s.Get(ctx, req.ID)
}

// Get возвращает запрос с историей состояний и архитектурами.
func (s *RequestService) Get(ctx context.Context, id int64) (*model.Request, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение запроса: %w", err)
	}
	return req, nil
}

// List возвращает запросы с фильтрацией по текущему состоянию и пагинацией.
func (s *RequestService) List(ctx context.Context, state *model.State, limit, offset int) ([]*model.Request, int, error) {
	reqs, err := s.repo.List(ctx, state, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка запросов: %w", err)
	}

	total, err := s.repo.Count(ctx, state)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт запросов: %w", err)
	}

	return reqs, total, nil
}

// SetRequestState записывает переход состояния запроса.
// Переход из терминального состояния отклоняется с ValidationError.
func (s *RequestService) SetRequestState(ctx context.Context, id int64, state model.State, reason string) error {
	err := s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return repository.NewRequestRepository(tx).AppendState(ctx, id, state, reason)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	requestStatesTotal.WithLabelValues(state.String()).Inc()

	s.logger.Info("Состояние запроса обновлено",
		slog.Int64("request_id", id),
		slog.String("state", state.String()),
		slog.String("reason", reason),
	)
	return nil
}

// AddArchitecture записывает архитектуру запроса.
// Повторное добавление того же имени не меняет набор.
func (s *RequestService) AddArchitecture(ctx context.Context, id int64, name string) error {
	if err := s.repo.AddArchitecture(ctx, id, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("добавление архитектуры: %w", err)
	}
	return nil
}
