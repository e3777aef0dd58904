package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"resume-matcher/internal/ingest"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/matcher"
	"resume-matcher/internal/pool"
	"resume-matcher/internal/taxonomy"
	"resume-matcher/internal/types"
)

// SourceAPI 经HTTP接口入库的简历来源
const SourceAPI = "api"

// errBadRequest 请求体不合法
var errBadRequest = errors.New("请求参数错误")

// MatchService 由 matcher.Service 实现
type MatchService interface {
	ExtractTaxonomy(ctx context.Context, jobDescription string) (*types.KeywordTaxonomy, error)
	Run(ctx context.Context, req matcher.MatchRequest) (*matcher.Outcome, error)
	ReportByID(ctx context.Context, fingerprint string, tax *types.KeywordTaxonomy) (types.ReportDetails, error)
	BuildReport(r *types.Resume, tax *types.KeywordTaxonomy) types.ReportDetails
}

// ResumeIngestor 由 ingest.Ingestor 实现
type ResumeIngestor interface {
	Ingest(ctx context.Context, doc ingest.Document) (ingest.IngestResult, error)
}

// HealthCheck 单个依赖的健康检查
type HealthCheck func(ctx context.Context) error

// TaxonomyRequest POST /api/v1/taxonomy
type TaxonomyRequest struct {
	JobDescription string `json:"job_description"`
}

// TaxonomyResponse 抽取结果
type TaxonomyResponse struct {
	Taxonomy *types.KeywordTaxonomy `json:"taxonomy"`
}

// MatchRequest POST /api/v1/match；taxonomy 与 job_description 至少提供一个
type MatchRequest struct {
	JobDescription string         `json:"job_description"`
	Taxonomy       map[string]any `json:"taxonomy"`
	ResumeIDs      []string       `json:"resume_ids"`
	AllResumes     bool           `json:"all_resumes"`
	TopK           int            `json:"top_k"`
}

// MatchResponse 匹配结果
type MatchResponse struct {
	RunID    string                 `json:"run_id"`
	PoolSize int                    `json:"pool_size"`
	TopK     int                    `json:"top_k"`
	Taxonomy *types.KeywordTaxonomy `json:"taxonomy"`
	Results  []types.MatchResult    `json:"results"`
}

// ReportRequest POST /api/v1/report；fingerprint 与 resume_text 二选一
type ReportRequest struct {
	Fingerprint    string         `json:"fingerprint"`
	ResumeText     string         `json:"resume_text"`
	JobDescription string         `json:"job_description"`
	Taxonomy       map[string]any `json:"taxonomy"`
}

// ReportResponse 报告
type ReportResponse struct {
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Taxonomy    *types.KeywordTaxonomy `json:"taxonomy"`
	Report      types.ReportDetails    `json:"report"`
}

// IngestRequest POST /api/v1/resumes
type IngestRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

// MatchHandler 匹配服务的HTTP入口
type MatchHandler struct {
	svc      MatchService
	ingestor ResumeIngestor
	checks   map[string]HealthCheck
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option 处理器选项
type Option func(*MatchHandler)

// WithHealthCheck 注册依赖健康检查
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *MatchHandler) {
		h.checks[name] = check
	}
}

// WithRequestTimeout 单个请求的处理时限
func WithRequestTimeout(d time.Duration) Option {
	return func(h *MatchHandler) {
		h.timeout = d
	}
}

// NewMatchHandler 创建处理器；ingestor 为 nil 时入库接口返回503
func NewMatchHandler(svc MatchService, ingestor ResumeIngestor, opts ...Option) *MatchHandler {
	h := &MatchHandler{
		svc:      svc,
		ingestor: ingestor,
		checks:   make(map[string]HealthCheck),
		logger:   logger.Component("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MatchHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// HandleExtractTaxonomy POST /api/v1/taxonomy
func (h *MatchHandler) HandleExtractTaxonomy(ctx context.Context, c *app.RequestContext) {
	var req TaxonomyRequest
	if err := c.BindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	tax, err := h.svc.ExtractTaxonomy(ctx, req.JobDescription)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, TaxonomyResponse{Taxonomy: tax})
}

// HandleMatch POST /api/v1/match
func (h *MatchHandler) HandleMatch(ctx context.Context, c *app.RequestContext) {
	var req MatchRequest
	if err := c.BindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	tax, err := h.resolveTaxonomy(ctx, req.Taxonomy, req.JobDescription)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out, err := h.svc.Run(ctx, matcher.MatchRequest{
		Taxonomy:       tax,
		JobDescription: req.JobDescription,
		ResumeIDs:      req.ResumeIDs,
		AllResumes:     req.AllResumes,
		TopK:           req.TopK,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, MatchResponse{
		RunID:    out.RunID,
		PoolSize: out.PoolSize,
		TopK:     out.TopK,
		Taxonomy: tax,
		Results:  out.Results,
	})
}

// HandleReport POST /api/v1/report
func (h *MatchHandler) HandleReport(ctx context.Context, c *app.RequestContext) {
	var req ReportRequest
	if err := c.BindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	fp := strings.TrimSpace(req.Fingerprint)
	if fp == "" && strings.TrimSpace(req.ResumeText) == "" {
		h.writeError(c, fmt.Errorf("%w: fingerprint 与 resume_text 必须提供一个", errBadRequest))
		return
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	tax, err := h.resolveTaxonomy(ctx, req.Taxonomy, req.JobDescription)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := ReportResponse{Fingerprint: fp, Taxonomy: tax}
	if fp != "" {
		resp.Report, err = h.svc.ReportByID(ctx, fp, tax)
		if err != nil {
			h.writeError(c, err)
			return
		}
	} else {
		resp.Report = h.svc.BuildReport(&types.Resume{RawText: req.ResumeText}, tax)
	}
	c.JSON(consts.StatusOK, resp)
}

// HandleIngest POST /api/v1/resumes；新入库返回201，重复返回200
func (h *MatchHandler) HandleIngest(ctx context.Context, c *app.RequestContext) {
	if h.ingestor == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "简历入库服务未启用"})
		return
	}
	var req IngestRequest
	if err := c.BindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	res, err := h.ingestor.Ingest(ctx, ingest.Document{ID: req.ID, Text: req.Text, Source: req.Source})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := consts.StatusCreated
	if res.Duplicate {
		status = consts.StatusOK
	}
	c.JSON(status, res)
}

// HandleHealth GET /api/v1/health
func (h *MatchHandler) HandleHealth(ctx context.Context, c *app.RequestContext) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}
	if !healthy {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"status": "degraded", "components": components})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"status": "ok", "components": components})
}

// resolveTaxonomy 优先使用请求中的分类，否则从JD抽取
func (h *MatchHandler) resolveTaxonomy(ctx context.Context, raw map[string]any, jd string) (*types.KeywordTaxonomy, error) {
	if raw != nil {
		tax, err := taxonomy.FromClient(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return tax, nil
	}
	if strings.TrimSpace(jd) == "" {
		return nil, fmt.Errorf("%w: taxonomy 与 job_description 必须提供一个", errBadRequest)
	}
	return h.svc.ExtractTaxonomy(ctx, jd)
}

// StatusFor 错误到HTTP状态码的映射
func StatusFor(err error) int {
	var ee *taxonomy.ExtractionError
	switch {
	case errors.As(err, &ee):
		if ee.Kind == taxonomy.KindInvalidInput {
			return consts.StatusBadRequest
		}
		return consts.StatusBadGateway
	case errors.Is(err, errBadRequest),
		errors.Is(err, matcher.ErrInvalidTopK),
		errors.Is(err, matcher.ErrMissingTaxonomy),
		errors.Is(err, matcher.ErrMissingFingerprint),
		errors.Is(err, pool.ErrUnknownResume),
		errors.Is(err, ingest.ErrEmptyResume):
		return consts.StatusBadRequest
	case errors.Is(err, ingest.ErrIngestInProgress):
		return consts.StatusConflict
	default:
		return consts.StatusInternalServerError
	}
}

func (h *MatchHandler) writeError(c *app.RequestContext, err error) {
	status := StatusFor(err)
	ev := h.logger.Warn()
	if status >= consts.StatusInternalServerError {
		ev = h.logger.Error()
	}
	ev.Err(err).Int("status", status).Str("path", string(c.Path())).Msg("请求处理失败")

	body := utils.H{"error": err.Error()}
	var ue *pool.UnknownResumesError
	if errors.As(err, &ue) {
		body["unknown_ids"] = ue.IDs
	}
	c.JSON(status, body)
}
