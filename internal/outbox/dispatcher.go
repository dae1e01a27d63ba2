package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/repository"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
	defaultInterval    = 5 * time.Second
	baseBackoff        = 5 * time.Second
	maxBackoff         = 10 * time.Minute
)

// MessageWriter Kafka 写入接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher 发件箱投递器
type Dispatcher struct {
	repo        repository.OutboxRepository
	writer      MessageWriter
	batchSize   int
	maxAttempts int
	interval    time.Duration
	now         func() time.Time
}

// Summary 单轮投递结果
type Summary struct {
	Sent    int
	Failed  int
	Skipped int
}

// NewKafkaWriter 创建 Kafka 写入器
func NewKafkaWriter(cfg *config.KafkaConfig) *kafka.Writer {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
		ErrorLogger:            kafka.LoggerFunc(logger.S().Named("kafka").Errorf),
	}
}

// NewDispatcher 创建投递器
func NewDispatcher(repo repository.OutboxRepository, writer MessageWriter, cfg config.OutboxConfig) *Dispatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Dispatcher{
		repo:        repo,
		writer:      writer,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
		now:         time.Now,
	}
}

// Run 按固定间隔投递，直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Infow("outbox_dispatcher_started",
		"batch_size", d.batchSize,
		"interval", d.interval.String(),
		"max_attempts", d.maxAttempts,
	)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnw("outbox_dispatch_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Infow("outbox_dispatcher_stopped")
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce 投递一批待发送事件
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	events, err := d.repo.ListPending(d.batchSize)
	if err != nil {
		return summary, fmt.Errorf("list pending outbox events failed: %w", err)
	}
	now := d.now()
	for i := range events {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		event := &events[i]
		if !d.due(event, now) {
			summary.Skipped++
			continue
		}
		log := logger.SW(
			"event_id", event.EventID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"attempt", event.Attempts+1,
		)
		if err := d.writer.WriteMessages(ctx, buildMessage(event)); err != nil {
			summary.Failed++
			metrics.OutboxPublished.WithLabelValues("failed").Inc()
			log.Warnw("outbox_event_publish_failed", "error", err)
			if markErr := d.repo.MarkAttemptFailed(event.ID, err.Error(), d.maxAttempts); markErr != nil {
				log.Errorw("outbox_event_mark_failed_error", "error", markErr)
			}
			continue
		}
		if err := d.repo.MarkSent(event.ID, d.now()); err != nil {
			log.Errorw("outbox_event_mark_sent_failed", "error", err)
			continue
		}
		summary.Sent++
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		log.Debugw("outbox_event_published")
	}
	return summary, nil
}

// Close 关闭写入器
func (d *Dispatcher) Close() error {
	if d == nil || d.writer == nil {
		return nil
	}
	return d.writer.Close()
}

// due 失败过的事件按指数退避等待
func (d *Dispatcher) due(event *models.OutboxEvent, now time.Time) bool {
	if event.Attempts <= 0 {
		return true
	}
	return !now.Before(event.UpdatedAt.Add(backoffFor(event.Attempts)))
}

func backoffFor(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	backoff := baseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func buildMessage(event *models.OutboxEvent) kafka.Message {
	value, err := json.Marshal(event.Payload)
	if err != nil {
		value = []byte("{}")
	}
	return kafka.Message{
		Topic: event.Topic,
		Key:   []byte(event.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.CreatedAt,
	}
}
