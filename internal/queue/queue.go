// Пакет queue — очередь задач на Redis Streams.
//
// Семантика доставки — at-least-once: сообщение подтверждается (XACK)
// только после записи финального состояния запроса, а сообщения,
// зависшие у упавших потребителей, переподхватываются через XAUTOCLAIM.
// Повторная доставка уже завершённого запроса безвредна: добавление
// состояния к терминальному запросу отклоняется хранилищем.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/indexforge/internal/config"
)

const (
	// TaskStream — имя потока задач в Redis.
	TaskStream = "indexforge:tasks"
	// ConsumerGroup — группа потребителей worker-ов.
	ConsumerGroup = "indexforge-workers"

	// TaskHandleAddRequest — обработка запроса типа add.
	TaskHandleAddRequest = "handle_add_request"

	// readBlock — длительность блокирующего чтения XREADGROUP.
	readBlock = 5 * time.Second
	// defaultClaimMinIdle — минимальный простой сообщения до переподхвата.
	defaultClaimMinIdle = 5 * time.Minute
	// readinessTimeout — таймаут ping при проверке готовности.
	readinessTimeout = 3 * time.Second
)

// AddRequestJob — полезная нагрузка задачи handle_add_request.
// cnr_token передаётся только здесь и никогда не сохраняется в базе.
type AddRequestJob struct {
	RequestID     int64    `json:"request_id"`
	FromIndex     string   `json:"from_index"`
	Bundles       []string `json:"bundles"`
	Organization  string   `json:"organization"`
	CnrToken      string   `json:"cnr_token,omitempty"`
	ForceBackport bool     `json:"force_backport"`
}

// Message — сообщение очереди с разобранными полями.
type Message struct {
	// ID — идентификатор сообщения в потоке
	ID string
	// Task — имя задачи
	Task string
	// Payload — сериализованная полезная нагрузка задачи
	Payload []byte
}

// NewClient создаёт клиент Redis по конфигурации.
func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Producer публикует задачи в поток.
type Producer struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewProducer создаёт публикатора задач.
func NewProducer(rdb *redis.Client, logger *slog.Logger) *Producer {
	return &Producer{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "queue_producer")),
	}
}

// EnqueueAddRequest ставит задачу handle_add_request в очередь.
func (p *Producer) EnqueueAddRequest(ctx context.Context, job AddRequestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ошибка сериализации задачи: %w", err)
	}

	msgID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: TaskStream,
		Values: map[string]any{
			"task":    TaskHandleAddRequest,
			"id":      uuid.New().String(),
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("ошибка постановки задачи в очередь: %w", err)
	}

	p.logger.Info("Задача поставлена в очередь",
		slog.String("task", TaskHandleAddRequest),
		slog.Int64("request_id", job.RequestID),
		slog.String("message_id", msgID),
	)
	return nil
}

// Consumer читает задачи из потока в составе группы потребителей.
type Consumer struct {
	rdb     *redis.Client
	name    string
	minIdle time.Duration
	logger  *slog.Logger
}

// NewConsumer создаёт потребителя с уникальным именем в группе.
func NewConsumer(rdb *redis.Client, logger *slog.Logger) *Consumer {
	return &Consumer{
		rdb:     rdb,
		name:    "worker-" + uuid.New().String(),
		minIdle: defaultClaimMinIdle,
		logger:  logger.With(slog.String("component", "queue_consumer")),
	}
}

// Name возвращает имя потребителя в группе.
func (c *Consumer) Name() string {
	return c.name
}

// EnsureGroup создаёт группу потребителей, если её ещё нет.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, TaskStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ошибка создания группы потребителей: %w", err)
	}
	return nil
}

// Fetch блокирующе читает новые сообщения группы.
// Возвращает nil без ошибки, если за время ожидания сообщений не появилось.
func (c *Consumer) Fetch(ctx context.Context, count int64) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.name,
		Streams:  []string{TaskStream, ">"},
		Count:    count,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения из потока: %w", err)
	}

	return c.collect(ctx, streams), nil
}

// Claim переподхватывает сообщения, зависшие у других потребителей
// дольше minIdle. Возвращает их как обычные сообщения для обработки.
func (c *Consumer) Claim(ctx context.Context) ([]Message, error) {
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   TaskStream,
		Group:    ConsumerGroup,
		Consumer: c.name,
		MinIdle:  c.minIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка переподхвата сообщений: %w", err)
	}

	var msgs []Message
	for _, xm := range claimed {
		msg, err := parseMessage(xm)
		if err != nil {
			c.discard(ctx, xm.ID, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ack подтверждает обработку сообщения.
func (c *Consumer) Ack(ctx context.Context, messageID string) error {
	if err := c.rdb.XAck(ctx, TaskStream, ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("ошибка подтверждения сообщения %s: %w", messageID, err)
	}
	return nil
}

func (c *Consumer) collect(ctx context.Context, streams []redis.XStream) []Message {
	var msgs []Message
	for _, s := range streams {
		for _, xm := range s.Messages {
			msg, err := parseMessage(xm)
			if err != nil {
				c.discard(ctx, xm.ID, err)
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// discard подтверждает непригодное сообщение, чтобы оно не зацикливалось
// в pending entries группы.
func (c *Consumer) discard(ctx context.Context, messageID string, cause error) {
	c.logger.Error("Сообщение отброшено",
		slog.String("message_id", messageID),
		slog.Any("error", cause),
	)
	if err := c.Ack(ctx, messageID); err != nil {
		c.logger.Error("Не удалось подтвердить отброшенное сообщение",
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
	}
}

// parseMessage разбирает поля XMessage в Message.
func parseMessage(xm redis.XMessage) (Message, error) {
	task, _ := xm.Values["task"].(string)
	if task == "" {
		return Message{}, fmt.Errorf("сообщение %s без поля task", xm.ID)
	}
	payload, _ := xm.Values["payload"].(string)
	return Message{ID: xm.ID, Task: task, Payload: []byte(payload)}, nil
}

// ReadinessChecker — проверка готовности Redis для health endpoint.
type ReadinessChecker struct {
	rdb *redis.Client
}

// NewReadinessChecker создаёт проверку готовности Redis.
func NewReadinessChecker(rdb *redis.Client) *ReadinessChecker {
	return &ReadinessChecker{rdb: rdb}
}

// CheckReady проверяет подключение к Redis через ping.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
