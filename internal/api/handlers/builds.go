// builds.go — обработчики /api/v1/builds endpoints.
// Создание запроса на сборку, получение по ID, список с фильтрацией по состоянию.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/indexforge/internal/api/errors"
	"github.com/bigkaa/indexforge/internal/domain/errs"
	"github.com/bigkaa/indexforge/internal/domain/model"
	"github.com/bigkaa/indexforge/internal/service"
)

// BuildService — операции сервисного слоя, используемые обработчиками сборок.
type BuildService interface {
	CreateAddRequest(ctx context.Context, params service.AddRequestParams) (*model.Request, error)
	Get(ctx context.Context, id int64) (*model.Request, error)
	List(ctx context.Context, state *model.State, limit, offset int) ([]*model.Request, int, error)
}

// BuildsHandler — обработчик запросов на сборку индекса.
type BuildsHandler struct {
	svc    BuildService
	logger *slog.Logger
}

// NewBuildsHandler создаёт обработчик запросов на сборку.
func NewBuildsHandler(svc BuildService, logger *slog.Logger) *BuildsHandler {
	return &BuildsHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "builds_handler")),
	}
}

// addBuildRequest — тело POST /api/v1/builds/add.
// Неизвестные поля тела игнорируются.
type addBuildRequest struct {
	FromIndex     string   `json:"from_index"`
	Bundles       []string `json:"bundles"`
	Organization  string   `json:"organization"`
	CnrToken      string   `json:"cnr_token"`
	ForceBackport bool     `json:"force_backport"`
}

// buildStateResponse — запись истории состояний в ответе API.
type buildStateResponse struct {
	State       string    `json:"state"`
	StateReason string    `json:"state_reason"`
	Updated     time.Time `json:"updated"`
}

// buildResponse — сериализация запроса на сборку.
// cnr_token никогда не возвращается клиенту.
type buildResponse struct {
	ID           int64                `json:"id"`
	RequestType  string               `json:"request_type"`
	State        string               `json:"state"`
	StateReason  string               `json:"state_reason"`
	StateHistory []buildStateResponse `json:"state_history,omitempty"`
	Arches       []string             `json:"arches"`
	FromIndex    string               `json:"from_index"`
	Bundles      []string             `json:"bundles"`
	Organization string               `json:"organization"`
	Updated      time.Time            `json:"updated"`
}

// buildListResponse — ответ GET /api/v1/builds.
type buildListResponse struct {
	Items   []buildResponse `json:"items"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}

// AddBuild — POST /api/v1/builds/add.
// Создаёт запрос типа add и ставит задачу обработки в очередь.
// Доступ: роль admin или SA с scope builds:write.
func (h *BuildsHandler) AddBuild(w http.ResponseWriter, r *http.Request) {
	var req addBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	build, err := h.svc.CreateAddRequest(r.Context(), service.AddRequestParams{
		FromIndex:     req.FromIndex,
		Bundles:       req.Bundles,
		Organization:  req.Organization,
		CnrToken:      req.CnrToken,
		ForceBackport: req.ForceBackport,
	})
	if err != nil {
		var validationErr *errs.ValidationError
		switch {
		case errors.As(err, &validationErr):
			apierrors.ValidationError(w, validationErr.Message)
		case errors.Is(err, service.ErrSchedulingFailed):
			// Запрос создан и переведён в failed, клиент получает 500
			apierrors.InternalError(w, service.ErrSchedulingFailed.Error())
		default:
			h.logger.Error("Ошибка создания запроса на сборку", "error", err)
			apierrors.InternalError(w, "Ошибка создания запроса на сборку")
		}
		return
	}

	writeJSON(w, http.StatusCreated, mapBuild(build, true))
}

// GetBuild — GET /api/v1/builds/{id}.
// Возвращает запрос с полной историей состояний.
// Доступ: роль admin/readonly или SA с scope builds:read.
func (h *BuildsHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "Идентификатор запроса должен быть целым числом")
		return
	}

	build, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Запрос не найден")
			return
		}
		h.logger.Error("Ошибка получения запроса", "request_id", id, "error", err)
		apierrors.InternalError(w, "Ошибка получения запроса")
		return
	}

	writeJSON(w, http.StatusOK, mapBuild(build, true))
}

// ListBuilds — GET /api/v1/builds?state=&verbose=&limit=&offset=.
// Возвращает страницу запросов, новые первыми. Фильтр state проверяется
// по закрытому перечислению состояний. verbose=true добавляет state_history.
// Доступ: роль admin/readonly или SA с scope builds:read.
func (h *BuildsHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var state *model.State
	if name := q.Get("state"); name != "" {
		parsed, err := model.ParseState(name)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		state = &parsed
	}

	verbose := q.Get("verbose") == "true"
	limit, offset := paginationParams(q)

	builds, total, err := h.svc.List(r.Context(), state, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения списка запросов", "error", err)
		apierrors.InternalError(w, "Ошибка получения списка запросов")
		return
	}

	items := make([]buildResponse, len(builds))
	for i, build := range builds {
		items[i] = mapBuild(build, verbose)
	}

	writeJSON(w, http.StatusOK, buildListResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// mapBuild сериализует запрос в ответ API.
// withHistory добавляет state_history, новые записи первыми.
func mapBuild(req *model.Request, withHistory bool) buildResponse {
	resp := buildResponse{
		ID:           req.ID,
		RequestType:  req.Type.String(),
		Arches:       make([]string, 0, len(req.Architectures)),
		FromIndex:    req.FromIndex,
		Bundles:      req.Bundles,
		Organization: req.Organization,
		Updated:      req.UpdatedAt,
	}

	for _, arch := range req.Architectures {
		resp.Arches = append(resp.Arches, arch.Name)
	}

	if current := req.State(); current != nil {
		resp.State = current.State.String()
		resp.StateReason = current.StateReason
	}

	if withHistory {
		resp.StateHistory = make([]buildStateResponse, 0, len(req.States))
		for i := len(req.States) - 1; i >= 0; i-- {
			resp.StateHistory = append(resp.StateHistory, buildStateResponse{
				State:       req.States[i].State.String(),
				StateReason: req.States[i].StateReason,
				Updated:     req.States[i].CreatedAt,
			})
		}
	}

	return resp
}
