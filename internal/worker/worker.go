// Пакет worker — фоновый обработчик задач из очереди.
//
// Задачи читаются из Redis Streams и обрабатываются параллельно
// с ограничением concurrency. Подтверждение (XACK) выполняется только
// после записи итогового состояния запроса; неподтверждённые задачи
// упавших обработчиков перехватываются через XAUTOCLAIM. Дублированная
// доставка допустима: терминальное состояние запроса отклоняет повторную
// запись, и задача подтверждается без повторной обработки.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/queue"
	"github.com/bigkaa/indexforge/internal/service"
)

const (
	// fetchBatch — сколько задач читается из очереди за один запрос.
	fetchBatch = 10
	// claimInterval — период перехвата зависших задач.
	claimInterval = time.Minute
	// errorBackoff — пауза после ошибки чтения очереди.
	errorBackoff = time.Second
)

// Prometheus-метрики обработчика задач.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "if_worker_tasks_total",
		Help: "Количество обработанных задач по результатам",
	}, []string{"task", "result"}) // result: processed, duplicate, discarded, retried

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "if_worker_task_duration_seconds",
		Help:    "Длительность обработки задачи",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s … ~819s
	}, []string{"task"})
)

// errDiscard — задача не может быть обработана никогда
// и подтверждается без выполнения.
var errDiscard = errors.New("задача отброшена")

// TaskSource — получение и подтверждение задач очереди.
// Реализуется queue.Consumer.
type TaskSource interface {
	EnsureGroup(ctx context.Context) error
	Fetch(ctx context.Context, count int64) ([]queue.Message, error)
	Claim(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
}

// RequestLifecycle — операции над состоянием запроса.
// Реализуется service.RequestService.
type RequestLifecycle interface {
	SetRequestState(ctx context.Context, id int64, state model.State, reason string) error
	AddArchitecture(ctx context.Context, id int64, name string) error
}

// LegacyPipeline — решение о бэкпорте и экспорт пакетов.
// Реализуется service.LegacyService.
type LegacyPipeline interface {
	GetLegacySupportPackages(ctx context.Context, bundles []string, requestID int64, forceBackport bool) (map[string]struct{}, error)
	ValidateLegacyParamsAndConfig(packages map[string]struct{}, bundles []string, cnrToken, organization string) error
	ExportLegacyPackages(ctx context.Context, packages map[string]struct{}, requestID int64, fromIndex, cnrToken, organization string) error
}

// taskHandler обрабатывает полезную нагрузку одной задачи.
// Возвращает nil, когда задача завершена и подлежит подтверждению;
// прочие ошибки оставляют задачу в очереди для повторной доставки.
type taskHandler func(ctx context.Context, payload []byte) error

// Worker — пул обработчиков задач очереди.
type Worker struct {
	consumer    TaskSource
	requests    RequestLifecycle
	legacy      LegacyPipeline
	inspector   service.ImageInspector
	concurrency int
	handlers    map[string]taskHandler
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт обработчик задач.
func New(
	consumer TaskSource,
	requests RequestLifecycle,
	legacy LegacyPipeline,
	inspector service.ImageInspector,
	concurrency int,
	logger *slog.Logger,
) *Worker {
	w := &Worker{
		consumer:    consumer,
		requests:    requests,
		legacy:      legacy,
		inspector:   inspector,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "worker")),
	}
	w.handlers = map[string]taskHandler{
		queue.TaskHandleAddRequest: w.handleAddRequest,
	}
	return w
}

// Start создаёт consumer group и запускает цикл обработки в фоне.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.consumer.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("создание consumer group: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop останавливает цикл обработки и ждёт завершения текущих задач.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// run — основной цикл: блокирующее чтение очереди и периодический
// перехват задач, зависших за упавшими обработчиками.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("Обработчик задач запущен",
		slog.Int("concurrency", w.concurrency),
	)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	claimTicker := time.NewTicker(claimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.logger.Info("Обработчик задач остановлен")
			return
		case <-claimTicker.C:
			msgs, err := w.consumer.Claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Ошибка перехвата зависших задач", slog.String("error", err.Error()))
				}
				continue
			}
			w.dispatch(ctx, msgs, sem, &wg)
		default:
			msgs, err := w.consumer.Fetch(ctx, fetchBatch)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.logger.Error("Ошибка чтения очереди задач", slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
				case <-time.After(errorBackoff):
				}
				continue
			}
			w.dispatch(ctx, msgs, sem, &wg)
		}
	}
}

// dispatch запускает обработку задач в горутинах с ограничением concurrency.
func (w *Worker) dispatch(ctx context.Context, msgs []queue.Message, sem chan struct{}, wg *sync.WaitGroup) {
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			w.handleMessage(ctx, msg)
		}(msg)
	}
}

// handleMessage выполняет обработчик задачи и решает судьбу сообщения:
// подтверждение при завершении (включая дубли и отброшенные задачи)
// либо возврат в очередь при инфраструктурной ошибке.
func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	handler, ok := w.handlers[msg.Task]
	if !ok {
		w.logger.Warn("Неизвестная задача",
			slog.String("task", msg.Task),
			slog.String("message_id", msg.ID),
		)
		tasksTotal.WithLabelValues(msg.Task, "discarded").Inc()
		w.ack(ctx, msg.ID)
		return
	}

	start := time.Now()
	err := handler(ctx, msg.Payload)
	taskDuration.WithLabelValues(msg.Task).Observe(time.Since(start).Seconds())

	var valErr *errs.ValidationError
	switch {
	case err == nil:
		tasksTotal.WithLabelValues(msg.Task, "processed").Inc()
	case errors.As(err, &valErr):
		// Терминальное состояние уже записано — дублированная доставка
		w.logger.Info("Запрос уже в терминальном состоянии, пропуск задачи",
			slog.String("message_id", msg.ID),
			slog.String("detail", valErr.Message),
		)
		tasksTotal.WithLabelValues(msg.Task, "duplicate").Inc()
	case errors.Is(err, errDiscard):
		tasksTotal.WithLabelValues(msg.Task, "discarded").Inc()
	default:
		// Задача не подтверждается и будет доставлена повторно
		w.logger.Error("Задача вернётся в очередь",
			slog.String("task", msg.Task),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		tasksTotal.WithLabelValues(msg.Task, "retried").Inc()
		return
	}

	w.ack(ctx, msg.ID)
}

// ack подтверждает сообщение в очереди.
func (w *Worker) ack(ctx context.Context, messageID string) {
	if err := w.consumer.Ack(ctx, messageID); err != nil {
		w.logger.Error("Ошибка подтверждения сообщения",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// handleAddRequest обрабатывает запрос типа add: резолв образов,
// запись архитектур, решение о бэкпорте и legacy-экспорт.
func (w *Worker) handleAddRequest(ctx context.Context, payload []byte) error {
	var job queue.AddRequestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("Неразбираемая полезная нагрузка handle_add_request",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", errDiscard, err)
	}

	log := w.logger.With(slog.Int64("request_id", job.RequestID))
	log.Info("Обработка запроса на сборку",
		slog.String("from_index", job.FromIndex),
		slog.Int("bundles", len(job.Bundles)),
	)

	// Первый переход состояния заодно выявляет дублированную доставку:
	// терминальное состояние отклонит запись с ValidationError
	err := w.requests.SetRequestState(ctx, job.RequestID, model.StateInProgress,
		"Resolving the container images")
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			log.Error("Запрос отсутствует в БД, задача отброшена")
			return fmt.Errorf("%w: %v", errDiscard, err)
		}
		return err
	}

	img, err := w.inspector.Inspect(ctx, job.FromIndex)
	if err != nil {
		return w.finishWithError(ctx, job.RequestID, err)
	}
	if img.Architecture != "" {
		if err := w.requests.AddArchitecture(ctx, job.RequestID, img.Architecture); err != nil {
			return err
		}
	}

	packages, err := w.legacy.GetLegacySupportPackages(ctx, job.Bundles, job.RequestID, job.ForceBackport)
	if err != nil {
		return w.finishWithError(ctx, job.RequestID, err)
	}

	if err := w.legacy.ValidateLegacyParamsAndConfig(packages, job.Bundles, job.CnrToken, job.Organization); err != nil {
		return w.finishWithError(ctx, job.RequestID, err)
	}

	err = w.legacy.ExportLegacyPackages(ctx, packages, job.RequestID,
		job.FromIndex, job.CnrToken, job.Organization)
	if err != nil {
		var buildErr *errs.BuildError
		if errors.As(err, &buildErr) {
			// Итоговое состояние failed уже записано в точке соединения
			log.Error("Экспорт в legacy app registry завершился ошибкой",
				slog.String("error", err.Error()),
			)
			return nil
		}
		return err
	}

	log.Info("Запрос обработан")
	return nil
}

// finishWithError переводит запрос в failed для ошибок конвейера
// и пробрасывает инфраструктурные ошибки на повторную доставку.
// Причиной состояния становится Message ошибки сборки, исходная
// причина остаётся в логах.
func (w *Worker) finishWithError(ctx context.Context, requestID int64, cause error) error {
	var buildErr *errs.BuildError
	if !errors.As(cause, &buildErr) {
		return cause
	}
	return w.requests.SetRequestState(ctx, requestID, model.StateFailed, buildErr.Message)
}
