// Пакет skopeo — получение конфигурации контейнерных образов
// через skopeo inspect --config.
//
// Результаты кэшируются (LRU с TTL), параллельные инспекции одного
// pull-spec схлопываются в один вызов через singleflight.
package skopeo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/indexforge/internal/domain/errs"
)

const (
	// PackageLabel — метка бандла с именем пакета оператора.
	PackageLabel = "operators.operatorframework.io.bundle.package.v1"
	// BackportLabel — метка принудительной поддержки legacy app registry.
	BackportLabel = "com.redhat.delivery.backport"

	// cacheSize — максимальное количество конфигураций в кэше.
	cacheSize = 512
	// cacheTTL — время жизни записи кэша.
	cacheTTL = 15 * time.Minute
)

// Prometheus-метрики кэша инспекции.
var (
	inspectCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "if_inspect_cache_hits_total",
		Help: "Общее количество попаданий в кэш инспекции образов.",
	})
	inspectCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "if_inspect_cache_misses_total",
		Help: "Общее количество промахов кэша инспекции образов.",
	})
)

// runCmdFunc выполняет внешнюю команду и возвращает её stdout.
// Подменяется в тестах.
type runCmdFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client — инспектор конфигурации образов.
type Client struct {
	timeout time.Duration
	run     runCmdFunc
	cache   *expirable.LRU[string, *ocispec.Image]
	group   singleflight.Group
	logger  *slog.Logger
}

// NewClient создаёт инспектор с таймаутом на один вызов skopeo.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		timeout: timeout,
		run:     runCommand,
		cache:   expirable.NewLRU[string, *ocispec.Image](cacheSize, nil, cacheTTL),
		logger:  logger.With(slog.String("component", "skopeo_client")),
	}
}

// Inspect возвращает конфигурацию образа (метки, архитектуру) по pull-spec.
func (c *Client) Inspect(ctx context.Context, ref string) (*ocispec.Image, error) {
	if img, ok := c.cache.Get(ref); ok {
		inspectCacheHitsTotal.Inc()
		return img, nil
	}
	inspectCacheMissesTotal.Inc()

	val, err, _ := c.group.Do(ref, func() (any, error) {
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.logger.Debug("Инспекция образа", slog.String("ref", ref))
		out, err := c.run(runCtx, "skopeo", "inspect", "--config", "docker://"+ref)
		if err != nil {
			return nil, errs.BuildWrap(err, "Failed to inspect the image %s", ref)
		}

		img := &ocispec.Image{}
		if err := json.Unmarshal(out, img); err != nil {
			return nil, errs.BuildWrap(err, "Failed to inspect the image %s", ref)
		}

		c.cache.Add(ref, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*ocispec.Image), nil
}

// BundleLabels — значения меток бандла, важные для legacy-экспорта.
type BundleLabels struct {
	// Package — имя пакета оператора
	Package string
	// Backport — бандл требует поддержки legacy app registry
	Backport bool
}

// ExtractBundleLabels выбирает из конфигурации образа метки пакета и бэкпорта.
// Метка пакета обязательна. Метка бэкпорта учитывается только при
// точном строковом значении "true".
func ExtractBundleLabels(ref string, img *ocispec.Image) (BundleLabels, error) {
	pkg := img.Config.Labels[PackageLabel]
	if pkg == "" {
		return BundleLabels{}, errs.Buildf("The label %s is not set on the bundle %s", PackageLabel, ref)
	}
	return BundleLabels{
		Package:  pkg,
		Backport: img.Config.Labels[BackportLabel] == "true",
	}, nil
}

// runCommand выполняет команду с захватом stderr в текст ошибки.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
