// Package taxonomy 通过大模型从岗位描述中抽取按类别划分的必需/优先关键词。
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/tracing"
	"resume-matcher/internal/types"
)

var tracer = otel.Tracer("resume-matcher/taxonomy")

// Cache 关键词分类缓存；未命中时返回 (nil, nil)
type Cache interface {
	GetTaxonomy(ctx context.Context, jdFingerprint string) (*types.KeywordTaxonomy, error)
	SetTaxonomy(ctx context.Context, jdFingerprint string, tax *types.KeywordTaxonomy, ttl time.Duration) error
}

// Extractor 关键词分类抽取器
type Extractor struct {
	llm               model.ToolCallingChatModel
	promptTemplate    string
	timeout           time.Duration
	maxRetries        int
	retryWait         time.Duration
	scoringCategories []types.Category
	cache             Cache
	cacheTTL          time.Duration
	logger            zerolog.Logger
}

// Option 抽取器选项
type Option func(*Extractor)

// WithTimeout 单次模型调用的超时
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxRetries 失败后的重试次数
func WithMaxRetries(n int) Option {
	return func(e *Extractor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithRetryWait 两次尝试之间的等待时间
func WithRetryWait(d time.Duration) Option {
	return func(e *Extractor) {
		e.retryWait = d
	}
}

// WithScoringCategories 设置计分类别，其余类别为附加类别
func WithScoringCategories(cats []types.Category) Option {
	return func(e *Extractor) {
		if len(cats) > 0 {
			e.scoringCategories = cats
		}
	}
}

// WithPromptTemplate 自定义提示词模板
func WithPromptTemplate(tpl string) Option {
	return func(e *Extractor) {
		e.promptTemplate = tpl
	}
}

// WithCache 启用分类缓存
func WithCache(c Cache, ttl time.Duration) Option {
	return func(e *Extractor) {
		e.cache = c
		e.cacheTTL = ttl
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// NewExtractor 创建抽取器。默认单次超时30s，失败重试1次。
func NewExtractor(llm model.ToolCallingChatModel, opts ...Option) *Extractor {
	e := &Extractor{
		llm:               llm,
		timeout:           30 * time.Second,
		maxRetries:        1,
		retryWait:         time.Second,
		scoringCategories: types.DefaultScoringCategories,
		logger:            logger.Component("taxonomy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OptionsFromConfig 将配置转换为选项。未知的计分类别会被忽略并记录警告。
func OptionsFromConfig(cfg config.TaxonomyConfig) []Option {
	opts := []Option{
		WithTimeout(config.GetDuration(cfg.Timeout, 30*time.Second)),
		WithMaxRetries(cfg.MaxRetries),
		WithRetryWait(time.Duration(cfg.RetryWaitSeconds) * time.Second),
	}
	if cfg.PromptTemplate != "" {
		opts = append(opts, WithPromptTemplate(cfg.PromptTemplate))
	}
	var cats []types.Category
	for _, name := range cfg.ScoringCategories {
		c, ok := types.ParseCategory(name)
		if !ok {
			logger.Warn().Str("category", name).Msg("忽略未知的计分类别")
			continue
		}
		cats = append(cats, c)
	}
	if len(cats) > 0 {
		opts = append(opts, WithScoringCategories(cats))
	}
	return opts
}

// Extract 抽取关键词分类。
// 每次尝试有独立的超时；全部尝试失败后返回 *ExtractionError，不会返回空的默认分类。
func (e *Extractor) Extract(ctx context.Context, jobDescription string) (*types.KeywordTaxonomy, error) {
	jd := textnorm.Clean(jobDescription)
	if jd == "" {
		return nil, &ExtractionError{Kind: KindInvalidInput, Err: ErrEmptyJobDescription}
	}

	ctx, span := tracer.Start(ctx, "Taxonomy.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.Int("jd.length", len(jd)),
		attribute.String("jd.preview", tracing.SafePrompt(jd)),
	)

	key := textnorm.Fingerprint(jd)
	if tax := e.fromCache(ctx, key); tax != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return tax, nil
	}

	if e.llm == nil {
		err := &ExtractionError{Kind: KindUnreachable, Err: errors.New("未配置大模型")}
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemMessage),
		schema.UserMessage(buildPrompt(e.promptTemplate, jd)),
	}

	attempts := 1 + e.maxRetries
	var lastErr error
	lastKind := KindUnreachable
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && e.retryWait > 0 {
			select {
			case <-ctx.Done():
				return nil, e.fail(span, ctxKind(ctx.Err()), attempt-1, ctx.Err())
			case <-time.After(e.retryWait):
			}
		}

		tax, kind, err := e.attempt(ctx, messages)
		if err == nil {
			tax.ScoringCategories = e.scoringCategories
			e.toCache(ctx, key, tax)
			span.SetAttributes(
				attribute.Int("attempts", attempt),
				attribute.Int("keywords.count", tax.KeywordCount()),
			)
			e.logger.Info().Int("attempt", attempt).Int("keywords", tax.KeywordCount()).Msg("关键词分类抽取完成")
			return tax, nil
		}

		lastErr, lastKind = err, kind
		e.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Str("kind", string(kind)).Msg("关键词分类抽取失败")

		if ctx.Err() != nil {
			return nil, e.fail(span, ctxKind(ctx.Err()), attempt, ctx.Err())
		}
	}
	return nil, e.fail(span, lastKind, attempts, lastErr)
}

// attempt 一次带超时的模型调用与解析
func (e *Extractor) attempt(ctx context.Context, messages []*schema.Message) (*types.KeywordTaxonomy, ErrorKind, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.llm.Generate(callCtx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, KindTimeout, fmt.Errorf("模型调用超时 (%s): %w", e.timeout, err)
		}
		return nil, KindUnreachable, fmt.Errorf("模型调用失败: %w", err)
	}
	if resp == nil {
		return nil, KindInvalidResponse, ErrEmptyResponse
	}

	tax, err := ParseTaxonomy(resp.Content)
	if err != nil {
		e.logger.Debug().Str("content", tracing.TruncateString(resp.Content, 500)).Msg("无法解析的模型输出")
		return nil, KindInvalidResponse, err
	}
	return tax, "", nil
}

func (e *Extractor) fail(span trace.Span, kind ErrorKind, attempts int, err error) error {
	ee := &ExtractionError{Kind: kind, Attempts: attempts, Err: err}
	errType := tracing.ErrorTypeLLM
	if kind == KindTimeout {
		errType = tracing.ErrorTypeTimeout
	}
	tracing.RecordError(span, ee, errType)
	e.logger.Error().Err(err).Str("kind", string(kind)).Int("attempts", attempts).Msg("关键词分类抽取最终失败")
	return ee
}

func ctxKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnreachable
}

func (e *Extractor) fromCache(ctx context.Context, key string) *types.KeywordTaxonomy {
	if e.cache == nil {
		return nil
	}
	tax, err := e.cache.GetTaxonomy(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("jd_fingerprint", key).Msg("读取分类缓存失败")
		return nil
	}
	if tax == nil {
		return nil
	}
	if len(tax.ScoringCategories) == 0 {
		tax.ScoringCategories = e.scoringCategories
	}
	return tax
}

func (e *Extractor) toCache(ctx context.Context, key string, tax *types.KeywordTaxonomy) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetTaxonomy(ctx, key, tax, e.cacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("jd_fingerprint", key).Msg("写入分类缓存失败")
	}
}

// KeywordText 将分类中的全部关键词拼接为一段文本，用作语义目标
func KeywordText(tax *types.KeywordTaxonomy) string {
	if tax == nil {
		return ""
	}
	var parts []string
	for _, c := range tax.Categories() {
		parts = append(parts, tax.KeywordsIn(c)...)
	}
	return strings.Join(parts, ", ")
}
