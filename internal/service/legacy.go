// legacy.go — решение о бэкпорте и конвейер экспорта пакетов
// в legacy app registry.
//
// Конвейер одного пакета: export → verify → zip → push. Пакеты одного
// запроса обрабатываются параллельно с ограничением concurrency; итоговое
// состояние запроса записывается один раз после завершения всех пакетов.
// Ошибка одного пакета не прерывает конвейеры остальных.
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/indexforge/internal/archive"
	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/skopeo"
)

// Prometheus-метрики конвейера legacy-экспорта.
var (
	legacyExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "if_legacy_export_duration_seconds",
		Help:    "Длительность конвейера экспорта одного пакета",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s … ~256s
	}, []string{"result"})

	legacyPackagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "if_legacy_packages_total",
		Help: "Количество пакетов, прошедших конвейер legacy-экспорта",
	}, []string{"result"}) // result: success, error
)

// ImageInspector — получение конфигурации образа по pull-spec.
type ImageInspector interface {
	Inspect(ctx context.Context, ref string) (*ocispec.Image, error)
}

// IndexExporter — выгрузка манифестов пакета из индексного образа.
type IndexExporter interface {
	IndexExport(ctx context.Context, indexRef, pkg, downloadDir string) error
}

// RegistryClient — загрузка архива манифестов в legacy app registry.
type RegistryClient interface {
	PushPackageManifest(ctx context.Context, packageDir, cnrToken, organization string) error
}

// stateRecorder — запись переходов состояний запроса.
// Реализуется RequestService.
type stateRecorder interface {
	SetRequestState(ctx context.Context, id int64, state model.State, reason string) error
}

// LegacyService — решение о бэкпорте и экспорт пакетов в legacy app registry.
type LegacyService struct {
	inspector          ImageInspector
	exporter           IndexExporter
	registry           RegistryClient
	states             stateRecorder
	registryConfigured bool
	workDir            string
	logger             *slog.Logger
}

// NewLegacyService создаёт сервис legacy-экспорта.
// registryConfigured — задан ли адрес реестра (IF_OMPS_URL);
// workDir — каталог для временных рабочих каталогов экспорта.
func NewLegacyService(
	inspector ImageInspector,
	exporter IndexExporter,
	registry RegistryClient,
	states stateRecorder,
	registryConfigured bool,
	workDir string,
	logger *slog.Logger,
) *LegacyService {
	return &LegacyService{
		inspector:          inspector,
		exporter:           exporter,
		registry:           registry,
		states:             states,
		registryConfigured: registryConfigured,
		workDir:            workDir,
		logger:             logger.With(slog.String("component", "legacy_service")),
	}
}

// GetLegacySupportPackages определяет пакеты, требующие поддержки
// legacy app registry. Пакет попадает в набор, если его бандл несёт
// метку бэкпорта со значением "true" либо включён forceBackport.
// При forceBackport до сканирования бандлов записывается ровно один
// переход in_progress с причиной принудительного бэкпорта.
func (s *LegacyService) GetLegacySupportPackages(
	ctx context.Context,
	bundles []string,
	requestID int64,
	forceBackport bool,
) (map[string]struct{}, error) {
	if forceBackport {
		err := s.states.SetRequestState(ctx, requestID, model.StateInProgress,
			"Backport legacy support will be forced")
		if err != nil {
			return nil, err
		}
	}

	packages := make(map[string]struct{})
	for _, bundle := range bundles {
		img, err := s.inspector.Inspect(ctx, bundle)
		if err != nil {
			return nil, err
		}
		labels, err := skopeo.ExtractBundleLabels(bundle, img)
		if err != nil {
			return nil, err
		}
		if forceBackport || labels.Backport {
			packages[labels.Package] = struct{}{}
		}
	}

	if len(packages) > 0 {
		s.logger.Info("Пакеты требуют поддержки legacy app registry",
			slog.Int64("request_id", requestID),
			slog.String("packages", strings.Join(sortedPackages(packages), ",")),
			slog.Bool("forced", forceBackport),
		)
	}
	return packages, nil
}

// ValidateLegacyParamsAndConfig проверяет параметры legacy-экспорта
// до любых внешних вызовов. Пустой набор пакетов валиден всегда.
func (s *LegacyService) ValidateLegacyParamsAndConfig(
	packages map[string]struct{},
	bundles []string,
	cnrToken, organization string,
) error {
	s.logger.Debug("Проверка параметров legacy-экспорта",
		slog.Int("packages", len(packages)),
		slog.Int("bundles", len(bundles)),
	)

	if len(packages) == 0 {
		return nil
	}
	if cnrToken == "" || organization == "" {
		return errs.Buildf(
			"Legacy support is required for %s; Both cnr_token and organization should be non-empty strings",
			strings.Join(sortedPackages(packages), ","))
	}
	if !s.registryConfigured {
		return errs.Buildf("indexforge is not configured to handle the legacy app registry")
	}
	return nil
}

// maxExportConcurrency — сколько пакетов одного запроса
// экспортируется одновременно.
const maxExportConcurrency = 4

// ExportLegacyPackages прогоняет каждый пакет через конвейер
// export → verify → zip → push и после завершения всех конвейеров
// записывает одно итоговое состояние: complete при полном успехе,
// failed с объединёнными причинами при ошибках. Пустой набор пакетов
// сразу завершает запрос как complete.
func (s *LegacyService) ExportLegacyPackages(
	ctx context.Context,
	packages map[string]struct{},
	requestID int64,
	fromIndex, cnrToken, organization string,
) error {
	if len(packages) == 0 {
		return s.states.SetRequestState(ctx, requestID, model.StateComplete,
			"No packages required legacy support")
	}

	tempDir, err := os.MkdirTemp(s.workDir, "indexforge-")
	if err != nil {
		wrapped := errs.BuildWrap(err, "Failed to create a temporary directory for the export")
		s.failRequest(ctx, requestID, wrapped.Message)
		return wrapped
	}
	defer os.RemoveAll(tempDir)

	s.logger.Info("Экспорт пакетов в legacy app registry",
		slog.Int64("request_id", requestID),
		slog.String("from_index", fromIndex),
		slog.String("packages", strings.Join(sortedPackages(packages), ",")),
	)

	sem := make(chan struct{}, maxExportConcurrency)

	var mu sync.Mutex
	var exportErrors []error

	var wg sync.WaitGroup
	for pkg := range packages {
		wg.Add(1)
		go func(pkg string) {
			defer wg.Done()

			// Ограничение concurrency
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			err := s.exportPackage(ctx, tempDir, pkg, fromIndex, cnrToken, organization)

			result := "success"
			if err != nil {
				result = "error"
			}
			legacyExportDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
			legacyPackagesTotal.WithLabelValues(result).Inc()

			if err != nil {
				s.logger.Error("Конвейер экспорта пакета завершился ошибкой",
					slog.Int64("request_id", requestID),
					slog.String("package", pkg),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				exportErrors = append(exportErrors, err)
				mu.Unlock()
			}
		}(pkg)
	}
	wg.Wait()

	// Точка соединения: одно итоговое состояние после всех пакетов
	if len(exportErrors) > 0 {
		reason := joinErrorMessages(exportErrors)
		s.failRequest(ctx, requestID, reason)
		return errs.Buildf("%s", reason)
	}

	return s.states.SetRequestState(ctx, requestID, model.StateComplete,
		"The legacy packages were successfully backported")
}

// exportPackage выполняет конвейер одного пакета. Каждый пакет работает
// в собственном подкаталоге, чтобы архивы параллельных конвейеров
// не пересекались.
func (s *LegacyService) exportPackage(
	ctx context.Context,
	tempDir, pkg, fromIndex, cnrToken, organization string,
) error {
	downloadDir := filepath.Join(tempDir, pkg)
	if err := os.Mkdir(downloadDir, 0o755); err != nil {
		return errs.BuildWrap(err, "Failed to export package: %s", pkg)
	}

	if err := s.exporter.IndexExport(ctx, fromIndex, pkg, downloadDir); err != nil {
		return err
	}

	packageDir := filepath.Join(downloadDir, pkg)
	if err := verifyPackageInfo(packageDir, fromIndex); err != nil {
		return err
	}

	if _, err := archive.ZipPackage(packageDir); err != nil {
		return err
	}

	return s.registry.PushPackageManifest(ctx, packageDir, cnrToken, organization)
}

// verifyPackageInfo убеждается, что каталог пакета присутствует
// в выгрузке. Отсутствие означает, что внешний инструмент молча
// выдал неполный экспорт.
func verifyPackageInfo(packageDir, fromIndex string) error {
	pkg := filepath.Base(packageDir)

	entries, err := os.ReadDir(filepath.Dir(packageDir))
	if err != nil {
		return errs.BuildWrap(err, "package %s is missing in index image %s", pkg, fromIndex)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == pkg {
			return nil
		}
	}
	return errs.Buildf("package %s is missing in index image %s", pkg, fromIndex)
}

// failRequest записывает итоговое состояние failed. Отказ записи
// (например, запрос уже в терминальном состоянии из-за дублированной
// доставки задачи) логируется и не маскирует исходную ошибку конвейера.
func (s *LegacyService) failRequest(ctx context.Context, requestID int64, reason string) {
	if err := s.states.SetRequestState(ctx, requestID, model.StateFailed, reason); err != nil {
		s.logger.Error("Не удалось записать итоговое состояние failed",
			slog.Int64("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// sortedPackages возвращает имена пакетов в алфавитном порядке.
func sortedPackages(packages map[string]struct{}) []string {
	names := make([]string, 0, len(packages))
	for pkg := range packages {
		names = append(names, pkg)
	}
	sort.Strings(names)
	return names
}

// joinErrorMessages объединяет сообщения ошибок конвейера в одну причину
// итогового состояния. Порядок фиксированный, чтобы причина не зависела
// от расписания горутин.
func joinErrorMessages(errorList []error) string {
	msgs := make([]string, 0, len(errorList))
	for _, err := range errorList {
		msgs = append(msgs, stateReason(err))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// stateReason возвращает текст причины для истории состояний запроса.
// У BuildError берётся только Message: исходная причина остаётся в логах
// и не попадает в видимую пользователю историю.
func stateReason(err error) string {
	var buildErr *errs.BuildError
	if errors.As(err, &buildErr) {
		return buildErr.Message
	}
	return err.Error()
}
