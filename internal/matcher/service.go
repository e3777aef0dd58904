// Package matcher 编排一次匹配请求：快照简历池、两阶段打分、混合排序、生成报告，
// 并在完成后记录审计与事件。
package matcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/ranking"
	"resume-matcher/internal/report"
	"resume-matcher/internal/scoring"
	"resume-matcher/internal/taxonomy"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/tracing"
	"resume-matcher/internal/types"
)

var tracer = otel.Tracer("resume-matcher/matcher")

var (
	// ErrInvalidTopK top_k 非法
	ErrInvalidTopK = ranking.ErrInvalidTopK
	// ErrMissingTaxonomy 匹配请求没有关键词分类
	ErrMissingTaxonomy = errors.New("缺少关键词分类")
	// ErrMissingFingerprint 报告请求没有指纹
	ErrMissingFingerprint = errors.New("缺少简历指纹")
)

// ResumeStore 简历池的只读视图
type ResumeStore interface {
	Snapshot(ctx context.Context, ids []string) ([]types.Resume, error)
	IDs(ctx context.Context) ([]string, error)
}

// TaxonomyExtractor 由 taxonomy.Extractor 实现
type TaxonomyExtractor interface {
	Extract(ctx context.Context, jobDescription string) (*types.KeywordTaxonomy, error)
}

// MatchRequest 匹配请求
type MatchRequest struct {
	Taxonomy       *types.KeywordTaxonomy
	JobDescription string   // 可选；语义目标为JD原文时使用
	ResumeIDs      []string // 按给定顺序去重；AllResumes 为真时忽略
	AllResumes     bool
	TopK           int // 0 表示使用默认值
}

// Outcome 一次匹配的完整输出
type Outcome struct {
	RunID    string              `json:"run_id"`
	PoolSize int                 `json:"pool_size"`
	TopK     int                 `json:"top_k"`
	Results  []types.MatchResult `json:"results"`
	Duration time.Duration       `json:"-"`
}

// Config 匹配参数
type Config struct {
	Weights        ranking.Weights
	Lexical        scoring.LexicalParams
	DefaultTopK    int
	Workers        int
	SemanticTarget string
}

// DefaultServiceConfig 默认匹配参数
func DefaultServiceConfig() Config {
	return Config{
		Weights:        ranking.DefaultWeights(),
		Lexical:        scoring.DefaultLexicalParams(),
		DefaultTopK:    config.DefaultTopK,
		Workers:        runtime.NumCPU(),
		SemanticTarget: config.TargetJobDescription,
	}
}

// ConfigFromApp 从应用配置构建匹配参数
func ConfigFromApp(m config.MatchingConfig) Config {
	return Config{
		Weights: ranking.Weights{
			Lexical:       m.LexicalWeight,
			Semantic:      m.SemanticWeight,
			SemanticFloor: m.SemanticFloor,
		},
		Lexical: scoring.LexicalParams{
			K1: m.BM25K1,
			B:  m.BM25B,
			Weights: scoring.RoleWeights{
				Required:  m.RequiredWeight,
				Preferred: m.PreferredWeight,
			},
		},
		DefaultTopK:    m.DefaultTopK,
		Workers:        m.Workers,
		SemanticTarget: m.SemanticTarget,
	}
}

// Service 匹配服务
type Service struct {
	extractor TaxonomyExtractor
	store     ResumeStore
	embedder  embedding.Embedder
	ranker    *ranking.Ranker
	cfg       Config
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time
	newRunID  func() string
}

// Option 服务选项
type Option func(*Service)

// WithRecorder 匹配完成后记录审计和事件
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithLogger 替换日志
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建匹配服务；权重非法时返回错误
func NewService(extractor TaxonomyExtractor, store ResumeStore, embedder embedding.Embedder, cfg Config, opts ...Option) (*Service, error) {
	ranker, err := ranking.NewRanker(cfg.Weights)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = config.DefaultTopK
	}
	if cfg.SemanticTarget == "" {
		cfg.SemanticTarget = config.TargetJobDescription
	}

	s := &Service{
		extractor: extractor,
		store:     store,
		embedder:  embedder,
		ranker:    ranker,
		cfg:       cfg,
		logger:    logger.Component("matcher"),
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ExtractTaxonomy 从JD抽取关键词分类
func (s *Service) ExtractTaxonomy(ctx context.Context, jobDescription string) (*types.KeywordTaxonomy, error) {
	if s.extractor == nil {
		return nil, &taxonomy.ExtractionError{Kind: taxonomy.KindUnreachable, Err: errors.New("未配置关键词抽取器")}
	}
	return s.extractor.Extract(ctx, jobDescription)
}

// BuildReport 生成单份简历的关键词报告
func (s *Service) BuildReport(r *types.Resume, tax *types.KeywordTaxonomy) types.ReportDetails {
	return report.BuildForResume(r, tax)
}

// ReportByID 按指纹生成池中简历的报告
func (s *Service) ReportByID(ctx context.Context, fingerprint string, tax *types.KeywordTaxonomy) (types.ReportDetails, error) {
	if tax == nil {
		return types.ReportDetails{}, ErrMissingTaxonomy
	}
	snap, err := s.store.Snapshot(ctx, []string{fingerprint})
	if err != nil {
		return types.ReportDetails{}, err
	}
	if len(snap) == 0 {
		return types.ReportDetails{}, ErrMissingFingerprint
	}
	return s.BuildReport(&snap[0], tax), nil
}

// Match 返回排序后的匹配结果
func (s *Service) Match(ctx context.Context, req MatchRequest) ([]types.MatchResult, error) {
	out, err := s.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// resolveTopK 0 使用默认值，负数非法；大于简历池的K由排序截断到池大小
func (s *Service) resolveTopK(k int) (int, error) {
	switch {
	case k == 0:
		return s.cfg.DefaultTopK, nil
	case k < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidTopK, k)
	}
	return k, nil
}

// Run 执行一次匹配。取消时返回 ctx 的错误并丢弃部分结果。
func (s *Service) Run(ctx context.Context, req MatchRequest) (*Outcome, error) {
	start := s.now()
	ctx, span := tracer.Start(ctx, "Matcher.Match")
	defer span.End()

	fail := func(err error, et tracing.ErrorType) (*Outcome, error) {
		tracing.RecordError(span, err, et)
		return nil, err
	}

	if req.Taxonomy == nil {
		return fail(ErrMissingTaxonomy, tracing.ErrorTypeValidation)
	}
	k, err := s.resolveTopK(req.TopK)
	if err != nil {
		return fail(err, tracing.ErrorTypeValidation)
	}

	ids := req.ResumeIDs
	if req.AllResumes {
		if ids, err = s.store.IDs(ctx); err != nil {
			return fail(fmt.Errorf("读取简历列表失败: %w", err), tracing.ErrorTypeDB)
		}
	}
	pool, err := s.store.Snapshot(ctx, ids)
	if err != nil {
		return fail(err, tracing.ErrorTypeDB)
	}
	span.SetAttributes(
		attribute.Int("pool.size", len(pool)),
		attribute.Int("top_k", k),
		attribute.Int("workers", s.cfg.Workers),
	)

	out := &Outcome{RunID: s.newRunID(), PoolSize: len(pool), TopK: k, Results: []types.MatchResult{}}
	if len(pool) == 0 {
		out.Duration = s.now().Sub(start)
		return out, nil
	}

	target, err := s.targetVector(ctx, req)
	if err != nil {
		return fail(err, tracing.ErrorTypeEmbedding)
	}

	// 第一阶段：顺序统计文档频率
	lex := scoring.NewLexical(req.Taxonomy, s.cfg.Lexical)
	bags := make([]types.TokenBag, len(pool))
	for i := range pool {
		bags[i] = report.TokensOf(&pool[i])
	}
	corpus := lex.Fit(bags)

	// 第二阶段：有界并发逐份打分，每个任务只写自己的槽位
	candidates := make([]ranking.Candidate, len(pool))
	excluded := make([]bool, len(pool))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range pool {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := &pool[i]
			lr := corpus.Score(bags[i])
			sem := 0.0
			if target != nil {
				var err error
				sem, err = scoring.Similarity(target, r.Embedding)
				var dm *scoring.DimensionMismatchError
				switch {
				case errors.As(err, &dm):
					s.logger.Warn().Err(err).Str("fingerprint", r.Fingerprint).Str("embedding_model", r.EmbeddingModel).Msg("向量维度不一致, 排除该简历")
					excluded[i] = true
					return nil
				case err != nil:
					return fmt.Errorf("简历 %s 语义打分失败: %w", r.Fingerprint, err)
				}
			}
			candidates[i] = ranking.Candidate{
				Fingerprint:     r.Fingerprint,
				Lexical:         lr.Score,
				Semantic:        sem,
				MatchedKeywords: lr.Matched,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr, tracing.ErrorTypeTimeout)
		}
		return fail(err, tracing.ErrorTypeInternal)
	}
	if err := ctx.Err(); err != nil {
		return fail(err, tracing.ErrorTypeTimeout)
	}

	scored := make([]ranking.Candidate, 0, len(candidates))
	byFP := make(map[string]*types.Resume, len(pool))
	for i := range candidates {
		if excluded[i] {
			continue
		}
		scored = append(scored, candidates[i])
		byFP[pool[i].Fingerprint] = &pool[i]
	}

	ranked, err := s.ranker.Rank(scored, k)
	if err != nil {
		return fail(err, tracing.ErrorTypeValidation)
	}

	for _, rk := range ranked {
		r := byFP[rk.Fingerprint]
		out.Results = append(out.Results, types.MatchResult{
			Fingerprint:     rk.Fingerprint,
			CandidateName:   r.CandidateName,
			CurrentTitle:    r.CurrentTitle,
			HybridScore:     rk.Hybrid,
			LexicalScore:    rk.Lexical,
			SemanticScore:   rk.Semantic,
			MatchedKeywords: rk.MatchedKeywords,
			Report:          s.BuildReport(r, req.Taxonomy),
		})
	}
	out.Duration = s.now().Sub(start)

	span.SetAttributes(attribute.Int("results.count", len(out.Results)), attribute.String("match.run_id", out.RunID))
	span.SetStatus(codes.Ok, "")
	s.logger.Info().
		Str("run_id", out.RunID).
		Int("pool", len(pool)).
		Int("results", len(out.Results)).
		Dur("duration", out.Duration).
		Msg("匹配完成")

	s.record(ctx, req, out)
	return out, nil
}

// targetVector 计算语义目标向量；目标文本为空时返回 nil，所有语义得分记为0
func (s *Service) targetVector(ctx context.Context, req MatchRequest) ([]float64, error) {
	text := textnorm.Clean(req.JobDescription)
	if s.cfg.SemanticTarget == config.TargetKeywords || text == "" {
		text = taxonomy.KeywordText(req.Taxonomy)
	}
	if text == "" {
		return nil, nil
	}
	if s.embedder == nil {
		return nil, errors.New("未配置向量模型")
	}

	ctx, span := tracer.Start(ctx, "Matcher.EmbedTarget", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()
	vecs, err := s.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, fmt.Errorf("语义目标向量化失败: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("语义目标向量化返回了 %d 个结果", len(vecs))
	}
	return vecs[0], nil
}

// record 记录审计与事件；失败只记日志
func (s *Service) record(ctx context.Context, req MatchRequest, out *Outcome) {
	if s.recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	run := &RunRecord{
		RunID:          out.RunID,
		JDFingerprint:  jdFingerprint(req),
		Taxonomy:       req.Taxonomy,
		PoolSize:       out.PoolSize,
		TopK:           out.TopK,
		Results:        out.Results,
		Weights:        s.cfg.Weights,
		SemanticTarget: s.cfg.SemanticTarget,
		Duration:       out.Duration,
		CompletedAt:    s.now(),
	}
	if err := s.recorder.RecordRun(recCtx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", out.RunID).Msg("记录匹配结果失败")
	}
}

func jdFingerprint(req MatchRequest) string {
	if textnorm.Clean(req.JobDescription) == "" {
		return ""
	}
	return textnorm.Fingerprint(req.JobDescription)
}
