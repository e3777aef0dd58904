package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"resume-matcher/internal/logger"
	"resume-matcher/internal/storage"
)

// SourceMQ 经消息队列入库的简历来源
const SourceMQ = "mq"

// DocumentIngestor 由 Ingestor 实现
type DocumentIngestor interface {
	Ingest(ctx context.Context, doc Document) (IngestResult, error)
}

// Consumer 处理上游解析服务发布的简历文本就绪消息
type Consumer struct {
	ingestor DocumentIngestor
	texts    storage.TextSource
	logger   zerolog.Logger
}

// NewConsumer 创建消费者。texts 为 nil 时只接受携带文本的消息。
func NewConsumer(ingestor DocumentIngestor, texts storage.TextSource) *Consumer {
	return &Consumer{
		ingestor: ingestor,
		texts:    texts,
		logger:   logger.Component("ingest-consumer"),
	}
}

// Handle 处理一条消息：成功或重复时确认，临时故障重新入队，消息本身有问题时丢弃
func (c *Consumer) Handle(ctx context.Context, body []byte) storage.Decision {
	var msg storage.ResumeParsedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error().Err(err).Int("body_len", len(body)).Msg("消息格式错误, 丢弃")
		return storage.Discard
	}
	log := c.logger.With().Str("submission_uuid", msg.SubmissionUUID).Logger()

	text := msg.ParsedText
	if strings.TrimSpace(text) == "" && msg.ParsedTextPathOSS != "" {
		if c.texts == nil {
			log.Error().Msg("未配置对象存储, 无法读取解析文本, 丢弃")
			return storage.Discard
		}
		var err error
		text, err = c.texts.GetParsedText(ctx, msg.ParsedTextPathOSS)
		if err != nil {
			if storage.IsObjectMissing(err) || errors.Is(err, storage.ErrTextTooLarge) {
				log.Error().Err(err).Str("path", msg.ParsedTextPathOSS).Msg("解析文本不可用, 丢弃")
				return storage.Discard
			}
			log.Warn().Err(err).Str("path", msg.ParsedTextPathOSS).Msg("读取解析文本失败, 重新入队")
			return storage.Requeue
		}
	}

	source := msg.SourceChannel
	if source == "" {
		source = SourceMQ
	}
	res, err := c.ingestor.Ingest(ctx, Document{ID: msg.SubmissionUUID, Text: text, Source: source})
	if err != nil {
		if errors.Is(err, ErrEmptyResume) {
			log.Error().Err(err).Msg("简历文本为空, 丢弃")
			return storage.Discard
		}
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("消费者停止, 消息重新入队")
			return storage.Requeue
		}
		log.Warn().Err(err).Msg("简历入库失败, 重新入队")
		return storage.Requeue
	}

	log.Info().Str("fingerprint", res.Fingerprint).Bool("duplicate", res.Duplicate).Msg("消息处理完成")
	return storage.Ack
}
