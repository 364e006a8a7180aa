// Пакет errs — типизированные ошибки домена indexforge.
//
// Три категории:
//   - ValidationError — некорректные входные данные (HTTP 400 на уровне API)
//   - ConfigError — противоречивая или неполная конфигурация сервиса
//   - BuildError — сбой операции конвейера сборки
package errs

import "fmt"

// ValidationError — некорректные входные данные запроса:
// неизвестный тип, неизвестное состояние, попытка изменить
// терминальный запрос, неполные параметры legacy-экспорта.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf создаёт ValidationError по формату.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConfigError — ошибка конфигурации, обнаруженная при старте
// или при проверке параметров gating.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// Configf создаёт ConfigError по формату.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// BuildError — сбой операции конвейера (inspect, export, zip, push).
// Message — итоговый текст для истории состояний запроса.
// Err — исходная причина, может быть nil.
type BuildError struct {
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Buildf создаёт BuildError без исходной причины.
func Buildf(format string, args ...any) *BuildError {
	return &BuildError{Message: fmt.Sprintf(format, args...)}
}

// BuildWrap создаёт BuildError, сохраняя исходную причину для errors.Is/As.
func BuildWrap(err error, format string, args ...any) *BuildError {
	return &BuildError{Message: fmt.Sprintf(format, args...), Err: err}
}
