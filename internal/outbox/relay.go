// Package outbox 轮询发件箱表，把与匹配记录同事务写入的事件发布到消息队列。
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/logger"
	"resume-matcher/internal/storage/models"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// Publisher 消息发布接口
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// MessageRelay 轮询 outbox 表并发布消息
type MessageRelay struct {
	store           Store
	publisher       Publisher
	logger          zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	tracer          trace.Tracer
}

// Option 中继选项
type Option func(*MessageRelay)

// WithPollingInterval 设置轮询间隔
func WithPollingInterval(d time.Duration) Option {
	return func(r *MessageRelay) {
		if d > 0 {
			r.pollingInterval = d
		}
	}
}

// WithBatchSize 设置每批领取的消息数
func WithBatchSize(n int) Option {
	return func(r *MessageRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewMessageRelay 创建中继
func NewMessageRelay(store Store, publisher Publisher, opts ...Option) *MessageRelay {
	r := &MessageRelay{
		store:           store,
		publisher:       publisher,
		logger:          logger.Component("outbox"),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		tracer:          otel.Tracer("resume-matcher/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 按固定间隔处理待发布消息，直到 ctx 结束
func (r *MessageRelay) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.pollingInterval).Msg("MessageRelay starting")
	ticker := time.NewTicker(r.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("MessageRelay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessPending(ctx); err != nil {
				r.logger.Error().Err(err).Msg("处理待发布消息失败")
			}
		}
	}
}

// ProcessPending 处理一批待发布消息，返回本批处理的条数
func (r *MessageRelay) ProcessPending(ctx context.Context) (int, error) {
	processed := 0
	err := r.store.WithPending(ctx, r.batchSize, func(ctx context.Context, messages []models.OutboxMessage, save func(*models.OutboxMessage) error) error {
		ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
			trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))))
		defer span.End()

		for i := range messages {
			msg := &messages[i]
			r.publish(ctx, msg)
			// 保存失败时整批回滚，下次轮询重新领取
			if err := save(msg); err != nil {
				return err
			}
		}
		processed = len(messages)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// publish 发布一条消息并据结果更新状态；重试次数达到上限后标记为失败
func (r *MessageRelay) publish(ctx context.Context, msg *models.OutboxMessage) {
	err := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
	if err != nil {
		msg.RetryCount++
		msg.ErrorMessage = err.Error()
		if msg.RetryCount >= maxRetryCount {
			msg.Status = models.OutboxStatusFailed
		}
		r.logger.Warn().Err(err).Uint64("id", msg.ID).Str("aggregate_id", msg.AggregateID).Int("retries", msg.RetryCount).Msg("发布发件箱消息失败")
		return
	}
	now := time.Now()
	msg.Status = models.OutboxStatusSent
	msg.ProcessedAt = &now
	msg.ErrorMessage = ""
}
