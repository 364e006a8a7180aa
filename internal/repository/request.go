package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/indexforge/internal/domain/model"
)

// RequestRepository — доступ к запросам на сборку и их истории состояний.
type RequestRepository interface {
	// Create создаёт запрос. Заполняет ID, CreatedAt и UpdatedAt.
	Create(ctx context.Context, req *model.Request) error
	// GetByID возвращает запрос с историей состояний и архитектурами.
	GetByID(ctx context.Context, id int64) (*model.Request, error)
	// List возвращает запросы с фильтрацией по текущему состоянию.
	List(ctx context.Context, state *model.State, limit, offset int) ([]*model.Request, error)
	// Count возвращает количество запросов с фильтрацией по текущему состоянию.
	Count(ctx context.Context, state *model.State) (int, error)
	// AppendState добавляет запись в историю состояний.
	// Для атомарности проверки терминальности вызывается внутри транзакции:
	// строка запроса блокируется через SELECT ... FOR UPDATE.
	AppendState(ctx context.Context, id int64, state model.State, reason string) error
	// AddArchitecture добавляет архитектуру. Повторное добавление
	// того же имени игнорируется, порядок первого добавления сохраняется.
	AddArchitecture(ctx context.Context, id int64, name string) error
}

// requestRepo — реализация RequestRepository.
type requestRepo struct {
	db DBTX
}

// NewRequestRepository создаёт репозиторий запросов на сборку.
func NewRequestRepository(db DBTX) RequestRepository {
	return &requestRepo{db: db}
}

func (r *requestRepo) Create(ctx context.Context, req *model.Request) error {
	query := `
		INSERT INTO requests (type, from_index, bundles, organization, force_backport)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		int(req.Type), req.FromIndex, req.Bundles, req.Organization, req.ForceBackport,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	return nil
}

func (r *requestRepo) GetByID(ctx context.Context, id int64) (*model.Request, error) {
	query := `
		SELECT id, type, from_index, bundles, organization, force_backport,
			created_at, updated_at
		FROM requests
		WHERE id = $1`

	req := &model.Request{}
	var reqType int
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &reqType, &req.FromIndex, &req.Bundles, &req.Organization,
		&req.ForceBackport, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	req.Type = model.RequestType(reqType)

	if err := r.loadDetails(ctx, []*model.Request{req}); err != nil {
		return nil, err
	}
	return req, nil
}

// currentStateSubquery — текущее состояние = последняя запись истории.
const currentStateSubquery = `(
	SELECT rs.state FROM request_states rs
	WHERE rs.request_id = r.id
	ORDER BY rs.id DESC LIMIT 1
)`

func (r *requestRepo) List(ctx context.Context, state *model.State, limit, offset int) ([]*model.Request, error) {
	// Динамическое построение WHERE
	var conditions []string
	var args []any
	argNum := 1

	if state != nil {
		conditions = append(conditions, fmt.Sprintf("%s = $%d", currentStateSubquery, argNum))
		args = append(args, int(*state))
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.type, r.from_index, r.bundles, r.organization, r.force_backport,
			r.created_at, r.updated_at
		FROM requests r
		%s
		ORDER BY r.id DESC
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)

	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка запросов: %w", err)
	}
	defer rows.Close()

	var result []*model.Request
	for rows.Next() {
		req := &model.Request{}
		var reqType int
		if err := rows.Scan(
			&req.ID, &reqType, &req.FromIndex, &req.Bundles, &req.Organization,
			&req.ForceBackport, &req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса: %w", err)
		}
		req.Type = model.RequestType(reqType)
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *requestRepo) Count(ctx context.Context, state *model.State) (int, error) {
	var conditions []string
	var args []any

	if state != nil {
		conditions = append(conditions, fmt.Sprintf("%s = $1", currentStateSubquery))
		args = append(args, int(*state))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM requests r %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта запросов: %w", err)
	}
	return count, nil
}

// loadDetails загружает историю состояний и архитектуры для набора запросов.
func (r *requestRepo) loadDetails(ctx context.Context, reqs []*model.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	ids := make([]int64, len(reqs))
	byID := make(map[int64]*model.Request, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
		byID[req.ID] = req
	}

	// История состояний в хронологическом порядке
	stateRows, err := r.db.Query(ctx, `
		SELECT request_id, id, state, state_reason, created_at
		FROM request_states
		WHERE request_id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("ошибка загрузки истории состояний: %w", err)
	}
	defer stateRows.Close()

	for stateRows.Next() {
		var requestID int64
		var st model.RequestState
		var stateCode int
		if err := stateRows.Scan(&requestID, &st.ID, &stateCode, &st.StateReason, &st.CreatedAt); err != nil {
			return fmt.Errorf("ошибка сканирования состояния: %w", err)
		}
		st.State = model.State(stateCode)
		if req, ok := byID[requestID]; ok {
			req.States = append(req.States, st)
		}
	}
	if err := stateRows.Err(); err != nil {
		return err
	}

	// Архитектуры в порядке первого добавления
	archRows, err := r.db.Query(ctx, `
		SELECT request_id, id, name
		FROM request_architectures
		WHERE request_id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("ошибка загрузки архитектур: %w", err)
	}
	defer archRows.Close()

	for archRows.Next() {
		var requestID int64
		var arch model.Architecture
		if err := archRows.Scan(&requestID, &arch.ID, &arch.Name); err != nil {
			return fmt.Errorf("ошибка сканирования архитектуры: %w", err)
		}
		if req, ok := byID[requestID]; ok {
			req.Architectures = append(req.Architectures, arch)
		}
	}
	return archRows.Err()
}

func (r *requestRepo) AppendState(ctx context.Context, id int64, state model.State, reason string) error {
	// Блокируем строку запроса: проверка терминальности и вставка
	// новой записи выполняются атомарно относительно других транзакций
	var lockedID int64
	err := r.db.QueryRow(ctx, `SELECT id FROM requests WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка блокировки запроса: %w", err)
	}

	var currentCode int
	err = r.db.QueryRow(ctx, `
		SELECT state FROM request_states
		WHERE request_id = $1
		ORDER BY id DESC LIMIT 1`, id).Scan(&currentCode)
	switch {
	case err == pgx.ErrNoRows:
		// Истории ещё нет — первое состояние допустимо всегда
	case err != nil:
		return fmt.Errorf("ошибка чтения текущего состояния: %w", err)
	default:
		if err := model.CheckStateChange(model.State(currentCode)); err != nil {
			return err
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO request_states (request_id, state, state_reason)
		VALUES ($1, $2, $3)`, id, int(state), reason)
	if err != nil {
		return fmt.Errorf("ошибка добавления состояния: %w", err)
	}

	if _, err := r.db.Exec(ctx, `UPDATE requests SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка обновления updated_at: %w", err)
	}
	return nil
}

func (r *requestRepo) AddArchitecture(ctx context.Context, id int64, name string) error {
	// Повторная вставка того же имени гасится ON CONFLICT и не считается ошибкой
	_, err := r.db.Exec(ctx, `
		INSERT INTO request_architectures (request_id, name)
		VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT uq_request_architectures DO NOTHING`, id, name)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка добавления архитектуры: %w", err)
	}
	return nil
}
