// Package ingest 把简历文本转换为可匹配的简历并写入简历池：
// 规范化、指纹去重、向量化、提取展示信息。消息队列消费者也在这里。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/constants"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/pool"
	"resume-matcher/internal/storage"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/tracing"
	"resume-matcher/internal/types"
)

var tracer = otel.Tracer("resume-matcher/ingest")

var (
	// ErrEmptyResume 简历文本为空
	ErrEmptyResume = errors.New("简历文本为空")
	// ErrIngestInProgress 同一份简历正在被其他实例入库
	ErrIngestInProgress = errors.New("简历正在入库中")
)

// IngestError 入库失败，Op 标明失败的步骤
type IngestError struct {
	DocumentID string
	Op         string
	Err        error
}

func (e *IngestError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("简历入库失败 (操作:%s, ID:%s): %v", e.Op, e.DocumentID, e.Err)
	}
	return fmt.Sprintf("简历入库失败 (操作:%s): %v", e.Op, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// Document 待入库的简历文本
type Document struct {
	ID     string // 上游标识，可为空
	Text   string
	Source string
}

// IngestResult 入库结果
type IngestResult struct {
	Fingerprint string `json:"fingerprint"`
	Duplicate   bool   `json:"duplicate"`
}

// FingerprintRegistry 跨实例共享的指纹集合，由 storage.Redis 实现
type FingerprintRegistry interface {
	CheckAndAddFingerprint(ctx context.Context, fingerprint string) (bool, error)
	RemoveFingerprint(ctx context.Context, fingerprint string) error
}

// Locker 分布式锁，由 storage.Redis 实现
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// Ingestor 简历入库服务
type Ingestor struct {
	store        pool.Store
	embedder     embedding.Embedder
	modelVersion string
	registry     FingerprintRegistry
	locker       Locker
	lockTTL      time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// Option 入库服务选项
type Option func(*Ingestor)

// WithRegistry 使用共享指纹集合去重
func WithRegistry(r FingerprintRegistry) Option {
	return func(i *Ingestor) {
		i.registry = r
	}
}

// WithLocker 入库期间对指纹加锁
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(i *Ingestor) {
		i.locker = l
		if ttl > 0 {
			i.lockTTL = ttl
		}
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor 创建入库服务。modelVersion 随向量一起保存，用于识别向量来源。
func NewIngestor(store pool.Store, embedder embedding.Embedder, modelVersion string, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:        store,
		embedder:     embedder,
		modelVersion: modelVersion,
		lockTTL:      constants.IngestLockDuration,
		logger:       logger.Component("ingest"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest 入库一份简历。内容相同的简历只入库一次，重复提交返回 Duplicate=true。
func (i *Ingestor) Ingest(ctx context.Context, doc Document) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Ingestor.Ingest",
		trace.WithAttributes(
			attribute.String("resume.source_id", doc.ID),
			attribute.String("resume.source", doc.Source),
		))
	defer span.End()

	fail := func(op string, err error) (IngestResult, error) {
		ierr := &IngestError{DocumentID: doc.ID, Op: op, Err: err}
		tracing.RecordError(span, ierr, tracing.ErrorTypeInternal)
		return IngestResult{}, ierr
	}

	text := strings.TrimSpace(doc.Text)
	if textnorm.Normalize(text) == "" {
		return fail("validate", ErrEmptyResume)
	}
	fp := textnorm.Fingerprint(text)
	result := IngestResult{Fingerprint: fp}
	span.SetAttributes(attribute.String("resume.fingerprint", fp))
	log := i.logger.With().Str("fingerprint", fp).Str("source_id", doc.ID).Logger()

	has, err := i.store.Has(ctx, fp)
	if err != nil {
		return fail("lookup", err)
	}
	if has {
		log.Debug().Msg("简历已存在, 跳过")
		result.Duplicate = true
		span.SetAttributes(attribute.Bool("resume.duplicate", true))
		return result, nil
	}

	if i.locker != nil {
		key := storage.IngestLockKey(fp)
		lockValue, err := i.locker.AcquireLock(ctx, key, i.lockTTL)
		if err != nil {
			return fail("lock", err)
		}
		if lockValue == "" {
			return fail("lock", ErrIngestInProgress)
		}
		defer func() {
			// 释放锁不受请求取消影响
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := i.locker.ReleaseLock(releaseCtx, key, lockValue); err != nil {
				log.Warn().Err(err).Msg("释放入库锁失败")
			}
		}()
	}

	registered := false
	if i.registry != nil {
		exists, err := i.registry.CheckAndAddFingerprint(ctx, fp)
		if err != nil {
			return fail("dedup", err)
		}
		if exists {
			// 持锁后再查一次，区分并发入库和残留指纹
			has, err := i.store.Has(ctx, fp)
			if err != nil {
				return fail("lookup", err)
			}
			if has {
				result.Duplicate = true
				span.SetAttributes(attribute.Bool("resume.duplicate", true))
				return result, nil
			}
			log.Warn().Msg("指纹集合中存在但简历池中没有, 重新入库")
		} else {
			registered = true
		}
	}

	rollback := func() {
		if !registered {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := i.registry.RemoveFingerprint(rbCtx, fp); err != nil {
			log.Error().Err(err).Msg("回滚指纹记录失败")
		}
	}

	vectors, err := i.embedder.EmbedStrings(ctx, []string{textnorm.Clean(text)})
	if err != nil {
		rollback()
		return fail("embed", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		rollback()
		return fail("embed", fmt.Errorf("向量化返回了 %d 个结果", len(vectors)))
	}

	resume := &types.Resume{
		Fingerprint:    fp,
		SourceID:       doc.ID,
		Source:         doc.Source,
		RawText:        text,
		Tokens:         textnorm.BagOf(text),
		Embedding:      vectors[0],
		EmbeddingModel: i.modelVersion,
		CreatedAt:      i.now(),
	}
	ExtractProfile(text).Apply(resume)

	added, err := i.store.Add(ctx, resume)
	if err != nil {
		rollback()
		return fail("store", err)
	}
	result.Duplicate = !added
	span.SetAttributes(
		attribute.Bool("resume.duplicate", result.Duplicate),
		attribute.String("resume.preview", tracing.SafeResumeContent(resume.Summary)),
	)
	span.SetStatus(codes.Ok, "")

	log.Info().
		Bool("duplicate", result.Duplicate).
		Int("tokens", resume.Tokens.Length()).
		Str("candidate", resume.CandidateName).
		Str("email", tracing.MaskPII(resume.Contact.Email)).
		Msg("简历入库完成")
	return result, nil
}
