// errors.go — ошибки сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — запрос не найден.
	ErrNotFound = errors.New("запрос не найден")
	// ErrSchedulingFailed — задачу обработки не удалось поставить в очередь.
	// Текст совпадает с причиной состояния failed, которую видит клиент API.
	ErrSchedulingFailed = errors.New("The scheduling of the request failed")
)
