// Пакет omps — HTTP-клиент реестра приложений OMPS (legacy app registry).
// Единственная операция: загрузка архива манифестов пакета
// (POST /{organization}/zipfile).
package omps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigkaa/indexforge/internal/archive"
	"github.com/bigkaa/indexforge/internal/domain/errs"
)

// Client — HTTP-клиент реестра OMPS.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент реестра OMPS.
// baseURL — адрес реестра без trailing slash (IF_OMPS_URL).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "omps_client")),
	}
}

// PushPackageManifest загружает архив манифестов пакета в реестр OMPS.
// Архив manifests.zip ожидается в родительском каталоге packageDir.
// Заголовок Authorization содержит cnr-токен как есть, без схемы Bearer.
func (c *Client) PushPackageManifest(ctx context.Context, packageDir, cnrToken, organization string) error {
	pkg := filepath.Base(packageDir)
	zipPath := filepath.Join(filepath.Dir(packageDir), archive.ArchiveName)

	data, err := os.ReadFile(zipPath)
	if err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", pkg)
	if err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}
	if _, err := part.Write(data); err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}
	if err := mw.Close(); err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}

	reqURL := fmt.Sprintf("%s/%s/zipfile", c.baseURL, organization)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}
	req.Header.Set("Authorization", cnrToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("загрузка пакета в реестр OMPS",
		slog.String("package", pkg),
		slog.String("organization", organization),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.BuildWrap(err, "Push to %s in the legacy app registry was unsuccessful", organization)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("реестр OMPS отклонил загрузку",
			slog.String("package", pkg),
			slog.String("organization", organization),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return errs.Buildf("Push to %s in the legacy app registry was unsuccessful: %s",
			organization, errorMessage(respBody))
	}

	c.logger.Info("пакет загружен в реестр OMPS",
		slog.String("package", pkg),
		slog.String("organization", organization),
	)
	return nil
}

// errorMessage извлекает текст ошибки из тела ответа реестра.
// Ожидается JSON с полем message; не-JSON возвращается как есть.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	if payload.Message == "" {
		return "An unknown error occurred"
	}
	return payload.Message
}
