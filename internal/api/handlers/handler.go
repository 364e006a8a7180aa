// handler.go — общие вспомогательные функции обработчиков API.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// Границы пагинации.
const (
	defaultLimit = 100
	maxLimit     = 1000
)

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationParams извлекает и нормализует limit/offset из query-параметров.
// Нечисловые значения заменяются значениями по умолчанию,
// выход за границы тихо обрезается.
func paginationParams(q url.Values) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = v
		if limit < 1 {
			limit = 1
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}

	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	return limit, offset
}
