package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/tracing"
)

var qdrantTracer = otel.Tracer("resume-matcher/storage/qdrant")

// QdrantPointIDNamespace 由简历指纹生成确定性点ID的命名空间，同一指纹总是得到同一个点
var QdrantPointIDNamespace = uuid.Must(uuid.FromString("fd6c72c2-5a33-4b53-8e7c-8298f3f5a7e1"))

// PointID 指纹对应的Qdrant点ID
func PointID(fingerprint string) string {
	return uuid.NewV5(QdrantPointIDNamespace, fingerprint).String()
}

// VectorDatabase 简历向量存储接口
type VectorDatabase interface {
	UpsertResumeVector(ctx context.Context, fingerprint string, vector []float64, payload map[string]interface{}) error
	RetrieveVectors(ctx context.Context, fingerprints []string) (map[string][]float64, error)
	CountPoints(ctx context.Context) (int64, error)
}

var _ VectorDatabase = (*Qdrant)(nil)

// Qdrant 通过REST API访问Qdrant
type Qdrant struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	apiKey         string
	httpClient     *http.Client
	logger         zerolog.Logger
}

// QdrantOption Qdrant构造选项
type QdrantOption func(*Qdrant)

// WithDistanceMetric 设置新建集合的距离度量，空值保留默认的 Cosine
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) {
		if metric != "" {
			q.distanceMetric = metric
		}
	}
}

// WithHttpTimeout 设置HTTP客户端超时
func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// NewQdrant 创建Qdrant客户端并确保集合存在
func NewQdrant(cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:6333"
	}
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = "resumes"
	}
	vectorSize := cfg.Dimension
	if vectorSize <= 0 {
		vectorSize = config.DefaultEmbeddingDim
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	q := &Qdrant{
		endpoint:       endpoint,
		collectionName: collectionName,
		vectorSize:     vectorSize,
		distanceMetric: "Cosine",
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.Component("qdrant"),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(context.Background()); err != nil {
		return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", collectionName, err)
	}

	q.logger.Info().Str("endpoint", endpoint).Str("collection", collectionName).Msg("成功连接到Qdrant")
	return q, nil
}

// ensureCollectionExists 检查集合，不存在时创建
func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
	)

	var collectionInfo struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	status, err := q.doRequest(ctx, http.MethodGet, "/collections/"+q.collectionName, nil, &collectionInfo)
	if status == http.StatusNotFound {
		span.AddEvent("collection_not_found")
		q.logger.Info().Str("collection", q.collectionName).Msg("集合不存在，将创建新集合")
		return q.createCollection(ctx)
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return err
	}

	existingSize := collectionInfo.Result.Config.Params.Vectors.Size
	existingDistance := collectionInfo.Result.Config.Params.Vectors.Distance
	if existingSize != q.vectorSize || existingDistance != q.distanceMetric {
		q.logger.Warn().
			Int("existing_size", existingSize).Str("existing_distance", existingDistance).
			Int("size", q.vectorSize).Str("distance", q.distanceMetric).
			Msg("现有集合配置与当前配置不匹配")
		span.AddEvent("collection_config_mismatch")
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (q *Qdrant) createCollection(ctx context.Context) error {
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
	}
	if _, err := q.doRequest(ctx, http.MethodPut, "/collections/"+q.collectionName, body, nil); err != nil {
		return fmt.Errorf("创建集合失败: %w", err)
	}
	// 指纹字段建索引
	index := map[string]interface{}{"field_name": "fingerprint", "field_schema": "keyword"}
	if _, err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index", q.collectionName), index, nil); err != nil {
		q.logger.Warn().Err(err).Msg("创建payload索引失败")
	}
	return nil
}

// UpsertResumeVector 写入一份简历的向量，点ID由指纹决定，重复写入会覆盖
func (q *Qdrant) UpsertResumeVector(ctx context.Context, fingerprint string, vector []float64, payload map[string]interface{}) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.UpsertResumeVector",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "qdrant"),
			attribute.String("db.operation", "upsert"),
			attribute.String("resume.fingerprint", fingerprint),
		))
	defer span.End()

	if len(vector) != q.vectorSize {
		err := fmt.Errorf("向量维度 %d 与集合维度 %d 不一致", len(vector), q.vectorSize)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	p := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p["fingerprint"] = fingerprint

	body := map[string]interface{}{
		"points": []map[string]interface{}{
			{"id": PointID(fingerprint), "vector": vector, "payload": p},
		},
	}
	if _, err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", q.collectionName), body, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("写入简历向量失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// RetrieveVectors 按指纹批量取回向量，缺失的指纹不出现在结果中
func (q *Qdrant) RetrieveVectors(ctx context.Context, fingerprints []string) (map[string][]float64, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.RetrieveVectors",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "qdrant"),
			attribute.String("db.operation", "retrieve"),
			attribute.Int("requested", len(fingerprints)),
		))
	defer span.End()

	out := make(map[string][]float64, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}

	byID := make(map[string]string, len(fingerprints))
	ids := make([]string, 0, len(fingerprints))
	for _, fp := range fingerprints {
		id := PointID(fp)
		byID[id] = fp
		ids = append(ids, id)
	}

	var resp struct {
		Result []struct {
			ID      string                 `json:"id"`
			Payload map[string]interface{} `json:"payload"`
			Vector  []float64              `json:"vector"`
		} `json:"result"`
	}
	body := map[string]interface{}{"ids": ids, "with_vector": true, "with_payload": []string{"fingerprint"}}
	if _, err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points", q.collectionName), body, &resp); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("读取简历向量失败: %w", err)
	}

	for _, point := range resp.Result {
		fp, ok := byID[point.ID]
		if !ok {
			fp, _ = point.Payload["fingerprint"].(string)
		}
		if fp != "" {
			out[fp] = point.Vector
		}
	}
	span.SetAttributes(attribute.Int("retrieved", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// CountPoints 集合中的点数量
func (q *Qdrant) CountPoints(ctx context.Context) (int64, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CountPoints",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if _, err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", q.collectionName),
		map[string]interface{}{"exact": true}, &result); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("qdrant.points.count", result.Result.Count))
	span.SetStatus(codes.Ok, "")
	return result.Result.Count, nil
}

// doRequest 发送请求并解析JSON结果；返回HTTP状态码，网络错误时为0
func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
	)

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return 0, err
		}
		reader = bytes.NewReader(jsonBody)
		span.SetAttributes(attribute.Int("http.request.body.size", len(jsonBody)))
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return 0, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), 300))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return resp.StatusCode, err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return resp.StatusCode, err
		}
	}
	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, nil
}
