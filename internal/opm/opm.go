// Пакет opm — выгрузка манифестов пакетов из индекса оператора
// через opm index export.
package opm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/bigkaa/indexforge/internal/domain/errs"
)

// runCmdFunc выполняет внешнюю команду. Подменяется в тестах.
type runCmdFunc func(ctx context.Context, dir, name string, args ...string) error

// Client — обёртка над бинарём opm.
type Client struct {
	timeout time.Duration
	run     runCmdFunc
	logger  *slog.Logger
}

// NewClient создаёт клиент opm с таймаутом на один экспорт.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		timeout: timeout,
		run:     runCommand,
		logger:  logger.With(slog.String("component", "opm_client")),
	}
}

// IndexExport выгружает манифесты пакета pkg из индекса indexRef
// в каталог downloadDir. Превышение таймаута — ошибка экспорта.
func (c *Client) IndexExport(ctx context.Context, indexRef, pkg, downloadDir string) error {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("Экспорт пакета из индекса",
		slog.String("index", indexRef),
		slog.String("package", pkg),
	)

	err := c.run(runCtx, downloadDir,
		"opm", "index", "export",
		"--index", indexRef,
		"--package", pkg,
		"--download-dir", downloadDir,
	)
	if err != nil {
		return errs.BuildWrap(err, "Failed to export package: %s", pkg)
	}
	return nil
}

// runCommand выполняет команду в каталоге dir с захватом stderr.
func runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
