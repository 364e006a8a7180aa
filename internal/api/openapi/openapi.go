// Пакет openapi встраивает OpenAPI контракт API Indexforge,
// валидирует его при старте и отдаёт клиентам в JSON.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Load разбирает и валидирует встроенный OpenAPI документ.
// Ошибка означает дефект контракта и должна останавливать запуск сервиса.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI документа: %w", err)
	}

	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI документа: %w", err)
	}

	return doc, nil
}

// Handler возвращает HTTP-обработчик GET /api/v1/openapi.json.
// Документ сериализуется один раз при создании обработчика.
func Handler(doc *openapi3.T) (http.HandlerFunc, error) {
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("сериализация OpenAPI документа: %w", err)
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}, nil
}
