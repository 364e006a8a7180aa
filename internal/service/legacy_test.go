package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/skopeo"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordedState — один записанный переход состояния.
type recordedState struct {
	requestID int64
	state     model.State
	reason    string
}

// fakeStateRecorder запоминает записанные переходы состояний.
type fakeStateRecorder struct {
	mu     sync.Mutex
	states []recordedState
	err    error
}

func (f *fakeStateRecorder) SetRequestState(ctx context.Context, id int64, state model.State, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, recordedState{requestID: id, state: state, reason: reason})
	return nil
}

func (f *fakeStateRecorder) recorded() []recordedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedState(nil), f.states...)
}

// fakeInspector возвращает заранее подготовленные конфигурации образов.
type fakeInspector struct {
	images map[string]*ocispec.Image
	calls  int
	mu     sync.Mutex
}

func (f *fakeInspector) Inspect(ctx context.Context, ref string) (*ocispec.Image, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	img, ok := f.images[ref]
	if !ok {
		return nil, errs.Buildf("Failed to inspect the image %s", ref)
	}
	return img, nil
}

// bundleImage создаёт конфигурацию образа бандла с метками.
// Пустые значения меток означают отсутствие метки.
func bundleImage(pkg, backport string) *ocispec.Image {
	labels := map[string]string{}
	if pkg != "" {
		labels[skopeo.PackageLabel] = pkg
	}
	if backport != "" {
		labels[skopeo.BackportLabel] = backport
	}
	img := &ocispec.Image{}
	img.Config.Labels = labels
	return img
}

// fakeExporter имитирует opm index export: создаёт каталог пакета
// с манифестом внутри download-каталога.
type fakeExporter struct {
	mu           sync.Mutex
	exports      []string
	downloadDirs map[string]string
	failFor      map[string]error
	skipDirFor   map[string]bool
}

func (f *fakeExporter) IndexExport(ctx context.Context, indexRef, pkg, downloadDir string) error {
	f.mu.Lock()
	f.exports = append(f.exports, pkg)
	if f.downloadDirs == nil {
		f.downloadDirs = map[string]string{}
	}
	f.downloadDirs[pkg] = downloadDir
	f.mu.Unlock()

	if err, ok := f.failFor[pkg]; ok {
		return err
	}
	if f.skipDirFor[pkg] {
		// Неполный экспорт: инструмент отработал, каталог пакета не создан
		return nil
	}

	pkgDir := filepath.Join(downloadDir, pkg)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(pkgDir, "package.yaml"), []byte("packageName: "+pkg+"\n"), 0o644)
}

// fakeRegistry запоминает загрузки в реестр.
type fakeRegistry struct {
	t        *testing.T
	recorder *fakeStateRecorder
	mu       sync.Mutex
	pushed   []string
	failFor  map[string]error
}

func (f *fakeRegistry) PushPackageManifest(ctx context.Context, packageDir, cnrToken, organization string) error {
	pkg := filepath.Base(packageDir)

	// Архив должен существовать на момент загрузки
	zipPath := filepath.Join(filepath.Dir(packageDir), "manifests.zip")
	if _, err := os.Stat(zipPath); err != nil {
		f.t.Errorf("архив %s отсутствует на момент загрузки: %v", zipPath, err)
	}

	// Итоговое состояние не должно быть записано до завершения всех пакетов
	if f.recorder != nil && len(f.recorder.recorded()) != 0 {
		f.t.Error("итоговое состояние записано до точки соединения")
	}

	if err, ok := f.failFor[pkg]; ok {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, pkg)
	return nil
}

func (f *fakeRegistry) pushedSorted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.pushed...)
	sort.Strings(out)
	return out
}

// TestGetLegacySupportPackages проверяет таблицу истинности решения о бэкпорте:
// пакет включается при метке "true" или при принудительном бэкпорте,
// переход "Backport legacy support will be forced" записывается только при force.
func TestGetLegacySupportPackages(t *testing.T) {
	tests := []struct {
		name          string
		backportLabel string
		forceBackport bool
		expectPackage bool
	}{
		{"метка true и force", "true", true, true},
		{"метка true без force", "true", false, true},
		{"метка false и force", "false", true, true},
		{"метка false без force", "false", false, false},
		{"метка True не принимается", "True", false, false},
		{"без метки и force", "", true, true},
		{"без метки и без force", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspector := &fakeInspector{images: map[string]*ocispec.Image{
				"quay.io/ns/bundle:v1.0": bundleImage("prometheus", tt.backportLabel),
			}}
			recorder := &fakeStateRecorder{}
			svc := NewLegacyService(inspector, &fakeExporter{}, &fakeRegistry{t: t}, recorder, true, t.TempDir(), testLogger())

			packages, err := svc.GetLegacySupportPackages(context.Background(),
				[]string{"quay.io/ns/bundle:v1.0"}, 1, tt.forceBackport)
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if inspector.calls != 1 {
				t.Errorf("инспекций = %d, ожидалась 1", inspector.calls)
			}

			_, included := packages["prometheus"]
			if included != tt.expectPackage {
				t.Errorf("пакет в наборе = %v, ожидалось %v", included, tt.expectPackage)
			}
			if !tt.expectPackage && len(packages) != 0 {
				t.Errorf("ожидался пустой набор, получено %v", packages)
			}

			states := recorder.recorded()
			if tt.forceBackport {
				if len(states) != 1 {
					t.Fatalf("записано %d состояний, ожидалось 1", len(states))
				}
				if states[0].state != model.StateInProgress || states[0].reason != "Backport legacy support will be forced" {
					t.Errorf("неожиданный переход: %+v", states[0])
				}
			} else if len(states) != 0 {
				t.Errorf("без force не ожидались переходы, записано %d", len(states))
			}
		})
	}
}

// TestGetLegacySupportPackages_Duplicates проверяет схлопывание
// одинаковых имён пакетов из разных бандлов.
func TestGetLegacySupportPackages_Duplicates(t *testing.T) {
	inspector := &fakeInspector{images: map[string]*ocispec.Image{
		"quay.io/ns/bundle:v1.0": bundleImage("etcd", "true"),
		"quay.io/ns/bundle:v1.1": bundleImage("etcd", "true"),
		"quay.io/ns/other:v2.0":  bundleImage("prometheus", "true"),
	}}
	recorder := &fakeStateRecorder{}
	svc := NewLegacyService(inspector, &fakeExporter{}, &fakeRegistry{t: t}, recorder, true, t.TempDir(), testLogger())

	packages, err := svc.GetLegacySupportPackages(context.Background(),
		[]string{"quay.io/ns/bundle:v1.0", "quay.io/ns/bundle:v1.1", "quay.io/ns/other:v2.0"}, 1, false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if got := sortedPackages(packages); len(got) != 2 || got[0] != "etcd" || got[1] != "prometheus" {
		t.Errorf("набор пакетов = %v, ожидался [etcd prometheus]", got)
	}
	if inspector.calls != 3 {
		t.Errorf("инспекций = %d, ожидалось по одной на бандл", inspector.calls)
	}
}

// TestGetLegacySupportPackages_MissingPackageLabel проверяет ошибку
// при бандле без метки пакета.
func TestGetLegacySupportPackages_MissingPackageLabel(t *testing.T) {
	inspector := &fakeInspector{images: map[string]*ocispec.Image{
		"quay.io/ns/bundle:v1.0": bundleImage("", "true"),
	}}
	svc := NewLegacyService(inspector, &fakeExporter{}, &fakeRegistry{t: t}, &fakeStateRecorder{}, true, t.TempDir(), testLogger())

	_, err := svc.GetLegacySupportPackages(context.Background(), []string{"quay.io/ns/bundle:v1.0"}, 1, false)
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}

	var buildErr *errs.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("ожидалась BuildError, получено %T", err)
	}
	want := "The label operators.operatorframework.io.bundle.package.v1 is not set on the bundle quay.io/ns/bundle:v1.0"
	if buildErr.Message != want {
		t.Errorf("сообщение = %q, ожидалось %q", buildErr.Message, want)
	}
}

// TestGetLegacySupportPackages_InspectError проверяет, что ошибка инспекции
// прерывает сканирование, а принудительный переход остаётся записанным.
func TestGetLegacySupportPackages_InspectError(t *testing.T) {
	inspector := &fakeInspector{images: map[string]*ocispec.Image{}}
	recorder := &fakeStateRecorder{}
	svc := NewLegacyService(inspector, &fakeExporter{}, &fakeRegistry{t: t}, recorder, true, t.TempDir(), testLogger())

	_, err := svc.GetLegacySupportPackages(context.Background(), []string{"quay.io/ns/missing:v1.0"}, 7, true)
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}

	states := recorder.recorded()
	if len(states) != 1 || states[0].reason != "Backport legacy support will be forced" {
		t.Errorf("принудительный переход должен быть записан до сканирования: %+v", states)
	}
}

// TestValidateLegacyParamsAndConfig проверяет предварительную валидацию
// параметров legacy-экспорта.
func TestValidateLegacyParamsAndConfig(t *testing.T) {
	one := map[string]struct{}{"prometheus": {}}
	two := map[string]struct{}{"prometheus": {}, "etcd": {}}

	tests := []struct {
		name         string
		packages     map[string]struct{}
		cnrToken     string
		organization string
		configured   bool
		wantErr      string
	}{
		{"пустой набор пакетов", map[string]struct{}{}, "", "", false, ""},
		{"все параметры заданы", one, "token", "org", true, ""},
		{
			"нет cnr_token", one, "", "org", true,
			"Legacy support is required for prometheus; Both cnr_token and organization should be non-empty strings",
		},
		{
			"нет organization", one, "token", "", true,
			"Legacy support is required for prometheus; Both cnr_token and organization should be non-empty strings",
		},
		{
			"несколько пакетов в сообщении", two, "", "", true,
			"Legacy support is required for etcd,prometheus; Both cnr_token and organization should be non-empty strings",
		},
		{
			"реестр не настроен", one, "token", "org", false,
			"indexforge is not configured to handle the legacy app registry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewLegacyService(&fakeInspector{}, &fakeExporter{}, &fakeRegistry{t: t},
				&fakeStateRecorder{}, tt.configured, t.TempDir(), testLogger())

			err := svc.ValidateLegacyParamsAndConfig(tt.packages, []string{"quay.io/ns/bundle:v1.0"}, tt.cnrToken, tt.organization)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("неожиданная ошибка: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatal("ожидалась ошибка, получен nil")
			}
			var buildErr *errs.BuildError
			if !errors.As(err, &buildErr) {
				t.Fatalf("ожидалась BuildError, получено %T", err)
			}
			if buildErr.Message != tt.wantErr {
				t.Errorf("сообщение = %q, ожидалось %q", buildErr.Message, tt.wantErr)
			}
		})
	}
}

// TestExportLegacyPackages проверяет успешный конвейер для нескольких пакетов
// и единственное итоговое состояние complete.
func TestExportLegacyPackages(t *testing.T) {
	recorder := &fakeStateRecorder{}
	exporter := &fakeExporter{}
	registry := &fakeRegistry{t: t, recorder: recorder}
	svc := NewLegacyService(&fakeInspector{}, exporter, registry, recorder, true, t.TempDir(), testLogger())

	packages := map[string]struct{}{"etcd": {}, "prometheus": {}, "strimzi": {}}
	err := svc.ExportLegacyPackages(context.Background(), packages, 42,
		"registry.example.com/index:v4.6", "token", "org")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if got := registry.pushedSorted(); len(got) != 3 || got[0] != "etcd" || got[1] != "prometheus" || got[2] != "strimzi" {
		t.Errorf("загружены пакеты %v, ожидались [etcd prometheus strimzi]", got)
	}

	// Каждый пакет работает в собственном подкаталоге
	dirs := map[string]bool{}
	for _, dir := range exporter.downloadDirs {
		dirs[dir] = true
	}
	if len(dirs) != 3 {
		t.Errorf("download-каталоги пересекаются: %v", exporter.downloadDirs)
	}

	states := recorder.recorded()
	if len(states) != 1 {
		t.Fatalf("записано %d состояний, ожидалось одно итоговое", len(states))
	}
	if states[0].state != model.StateComplete || states[0].reason != "The legacy packages were successfully backported" {
		t.Errorf("неожиданное итоговое состояние: %+v", states[0])
	}
}

// TestExportLegacyPackages_Empty проверяет завершение запроса
// при пустом наборе пакетов.
func TestExportLegacyPackages_Empty(t *testing.T) {
	recorder := &fakeStateRecorder{}
	exporter := &fakeExporter{}
	registry := &fakeRegistry{t: t}
	svc := NewLegacyService(&fakeInspector{}, exporter, registry, recorder, true, t.TempDir(), testLogger())

	err := svc.ExportLegacyPackages(context.Background(), map[string]struct{}{}, 42,
		"registry.example.com/index:v4.6", "token", "org")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(exporter.exports) != 0 || len(registry.pushed) != 0 {
		t.Error("при пустом наборе пакетов внешние вызовы не ожидались")
	}

	states := recorder.recorded()
	if len(states) != 1 {
		t.Fatalf("записано %d состояний, ожидалось 1", len(states))
	}
	if states[0].state != model.StateComplete || states[0].reason != "No packages required legacy support" {
		t.Errorf("неожиданное итоговое состояние: %+v", states[0])
	}
}

// TestExportLegacyPackages_IncompleteExport проверяет, что неполная выгрузка
// (каталог пакета отсутствует) помечает запрос failed, не прерывая
// конвейеры остальных пакетов.
func TestExportLegacyPackages_IncompleteExport(t *testing.T) {
	recorder := &fakeStateRecorder{}
	exporter := &fakeExporter{skipDirFor: map[string]bool{"etcd": true}}
	registry := &fakeRegistry{t: t}
	svc := NewLegacyService(&fakeInspector{}, exporter, registry, recorder, true, t.TempDir(), testLogger())

	packages := map[string]struct{}{"etcd": {}, "prometheus": {}}
	err := svc.ExportLegacyPackages(context.Background(), packages, 42,
		"registry.example.com/index:v4.6", "token", "org")
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}

	want := "package etcd is missing in index image registry.example.com/index:v4.6"
	if err.Error() != want {
		t.Errorf("ошибка = %q, ожидалось %q", err.Error(), want)
	}

	// Второй пакет должен дойти до загрузки
	if got := registry.pushedSorted(); len(got) != 1 || got[0] != "prometheus" {
		t.Errorf("загружены пакеты %v, ожидался [prometheus]", got)
	}

	states := recorder.recorded()
	if len(states) != 1 {
		t.Fatalf("записано %d состояний, ожидалось одно итоговое", len(states))
	}
	if states[0].state != model.StateFailed || states[0].reason != want {
		t.Errorf("неожиданное итоговое состояние: %+v", states[0])
	}
}

// TestExportLegacyPackages_AggregatedFailures проверяет объединение причин
// при ошибках нескольких пакетов в фиксированном порядке.
func TestExportLegacyPackages_AggregatedFailures(t *testing.T) {
	recorder := &fakeStateRecorder{}
	exporter := &fakeExporter{failFor: map[string]error{
		"etcd": errs.Buildf("Failed to export package: etcd"),
	}}
	registry := &fakeRegistry{t: t, failFor: map[string]error{
		"prometheus": errs.Buildf("Push to org in the legacy app registry was unsuccessful: Unauthorized"),
	}}
	svc := NewLegacyService(&fakeInspector{}, exporter, registry, recorder, true, t.TempDir(), testLogger())

	packages := map[string]struct{}{"etcd": {}, "prometheus": {}, "strimzi": {}}
	err := svc.ExportLegacyPackages(context.Background(), packages, 42,
		"registry.example.com/index:v4.6", "token", "org")
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}

	want := "Failed to export package: etcd; Push to org in the legacy app registry was unsuccessful: Unauthorized"
	if err.Error() != want {
		t.Errorf("ошибка = %q,\nожидалось %q", err.Error(), want)
	}

	// Пакет без ошибок всё равно загружен
	if got := registry.pushedSorted(); len(got) != 1 || got[0] != "strimzi" {
		t.Errorf("загружены пакеты %v, ожидался [strimzi]", got)
	}

	states := recorder.recorded()
	if len(states) != 1 || states[0].state != model.StateFailed || states[0].reason != want {
		t.Errorf("неожиданное итоговое состояние: %+v", states)
	}
}

// TestJoinErrorMessages проверяет фиксированный порядок объединения причин
// и что исходная причина BuildError не попадает в текст состояния.
func TestJoinErrorMessages(t *testing.T) {
	got := joinErrorMessages([]error{
		errors.New("b failed"),
		errs.BuildWrap(errors.New("exit status 1"), "a failed"),
	})
	if got != "a failed; b failed" {
		t.Errorf("объединённая причина = %q", got)
	}
}
