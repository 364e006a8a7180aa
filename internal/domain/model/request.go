// Пакет model — доменные структуры запросов на сборку индекса.
//
// Тип запроса и состояние — закрытые перечисления с числовыми кодами,
// совпадающими с кодами в таблицах requests и request_states.
// История состояний append-only: после терминального состояния
// (complete, failed) новые записи не добавляются.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bigkaa/indexforge/internal/domain/errs"
)

// RequestType — тип запроса на сборку.
type RequestType int

const (
	// TypeAdd — добавление бандлов в индекс
	TypeAdd RequestType = iota
	// TypeGeneric — универсальная сборка
	TypeGeneric
	// TypeRegenerateBundle — регенерация бандла
	TypeRegenerateBundle
	// TypeRm — удаление операторов из индекса
	TypeRm
)

// requestTypeNames — имена типов в порядке объявления, номер типа = индекс.
var requestTypeNames = []string{"add", "generic", "regenerate_bundle", "rm"}

// RequestTypeNames возвращает имена типов в порядке их числовых кодов.
func RequestTypeNames() []string {
	names := make([]string, len(requestTypeNames))
	copy(names, requestTypeNames)
	return names
}

// ParseRequestType проверяет числовой код типа запроса.
func ParseRequestType(n int) (RequestType, error) {
	if n < 0 || n >= len(requestTypeNames) {
		return 0, errs.Validationf("%d is not a valid request type number", n)
	}
	return RequestType(n), nil
}

// RequestTypeFromName преобразует имя типа запроса в код.
func RequestTypeFromName(name string) (RequestType, error) {
	for i, n := range requestTypeNames {
		if n == name {
			return RequestType(i), nil
		}
	}
	return 0, errs.Validationf("The request type %q is invalid. It must be one of: %s.",
		name, strings.Join(RequestTypeNames(), ", "))
}

func (t RequestType) String() string {
	if int(t) < 0 || int(t) >= len(requestTypeNames) {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return requestTypeNames[t]
}

// State — состояние запроса.
type State int

const (
	// StateInProgress — запрос в работе
	StateInProgress State = iota + 1
	// StateComplete — запрос успешно завершён, терминальное
	StateComplete
	// StateFailed — запрос завершён с ошибкой, терминальное
	StateFailed
)

// stateByName — отображение имени состояния в код.
var stateByName = map[string]State{
	"in_progress": StateInProgress,
	"complete":    StateComplete,
	"failed":      StateFailed,
}

// stateNames — отображение кода состояния в имя.
var stateNames = map[State]string{
	StateInProgress: "in_progress",
	StateComplete:   "complete",
	StateFailed:     "failed",
}

// StateNames возвращает имена состояний в алфавитном порядке.
func StateNames() []string {
	names := make([]string, 0, len(stateByName))
	for name := range stateByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseState преобразует имя состояния в код.
func ParseState(name string) (State, error) {
	s, ok := stateByName[name]
	if !ok {
		return 0, errs.Validationf("The state %q is invalid. It must be one of: %s.",
			name, strings.Join(StateNames(), ", "))
	}
	return s, nil
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsTerminal сообщает, является ли состояние терминальным.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// CheckStateChange возвращает ошибку, если запрос в состоянии current
// уже не может менять состояния.
func CheckStateChange(current State) error {
	if current.IsTerminal() {
		return errs.Validationf("A %s request cannot change states", current)
	}
	return nil
}

// RequestState — одна запись истории состояний запроса.
// Хранится в таблице request_states.
type RequestState struct {
	// ID — порядковый идентификатор записи
	ID int64
	// State — код состояния
	State State
	// StateReason — человекочитаемая причина перехода
	StateReason string
	// CreatedAt — время добавления записи
	CreatedAt time.Time
}

// Architecture — архитектура, для которой собирается индекс.
// Хранится в таблице request_architectures.
type Architecture struct {
	// ID — порядковый идентификатор записи
	ID int64
	// Name — имя архитектуры (amd64, arm64, ppc64le, s390x)
	Name string
}

// Request — запрос на сборку индекса.
// Хранится в таблице requests. Токен legacy-реестра (cnr_token)
// в базе не хранится и передаётся только в полезной нагрузке задачи.
type Request struct {
	// ID — идентификатор запроса
	ID int64
	// Type — тип запроса
	Type RequestType
	// FromIndex — pull-spec исходного индекса
	FromIndex string
	// Bundles — pull-spec'ы бандлов
	Bundles []string
	// Organization — организация в legacy app registry
	Organization string
	// ForceBackport — принудительный бэкпорт всех пакетов
	ForceBackport bool
	// States — история состояний в хронологическом порядке
	States []RequestState
	// Architectures — архитектуры в порядке первого добавления
	Architectures []Architecture
	// CreatedAt — время создания запроса
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения
	UpdatedAt time.Time
}

// State возвращает последнюю (текущую) запись истории состояний
// или nil, если история пуста.
func (r *Request) State() *RequestState {
	if len(r.States) == 0 {
		return nil
	}
	return &r.States[len(r.States)-1]
}
