// Package embedding 提供文本向量化：DashScope OpenAI兼容接口的 eino Embedder，以及按内容指纹缓存的包装。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/tracing"
)

var tracer = otel.Tracer("resume-matcher/embedding")

// ErrEmptyText 待向量化的文本为空
var ErrEmptyText = errors.New("待向量化的文本为空")

// AliyunEmbedder 实现 embedding.Embedder 接口
type AliyunEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// NewAliyunEmbedder 创建阿里云Embedder (OpenAI兼容端点)
func NewAliyunEmbedder(apiKey string, embeddingCfg config.EmbeddingConfig) (*AliyunEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}

	model := embeddingCfg.Model
	if model == "" {
		model = config.DefaultEmbeddingModel
	}
	baseURL := embeddingCfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultEmbeddingURL
	}

	return &AliyunEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimensions: embeddingCfg.Dimensions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		logger:     logger.Component("embedding"),
	}, nil
}

// Model 返回默认模型名，作为缓存的模型版本
func (a *AliyunEmbedder) Model() string {
	return a.model
}

// GetDimensions 返回配置的维度
func (a *AliyunEmbedder) GetDimensions() int {
	return a.dimensions
}

type embeddingRequest struct {
	Input          interface{} `json:"input"` // string 或 []string
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	ID    string    `json:"id,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param"`
	Code    string `json:"code"`
}

// EmbedStrings 将文本转换为向量，结果顺序与输入一致
func (a *AliyunEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	ctx, span := tracer.Start(ctx, "Embedding.EmbedStrings")
	defer span.End()

	options := embedding.GetCommonOptions(&embedding.Options{Model: &a.model}, opts...)
	effectiveModel := a.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}
	span.SetAttributes(
		attribute.String("embedding.model", effectiveModel),
		attribute.Int("embedding.texts", len(texts)),
	)

	if len(texts) == 0 {
		return [][]float64{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			err := fmt.Errorf("第%d条文本: %w", i, ErrEmptyText)
			tracing.RecordError(span, err, tracing.ErrorTypeValidation)
			return nil, err
		}
	}

	var inputBody interface{} = texts
	if len(texts) == 1 {
		inputBody = texts[0]
	}
	reqBody := embeddingRequest{Input: inputBody, Model: effectiveModel, EncodingFormat: "float"}
	if a.dimensions > 0 {
		reqBody.Dimensions = a.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detailedError := fmt.Errorf("API调用失败, 状态码: %d, 响应: %s", resp.StatusCode, tracing.TruncateString(string(body), 300))
		var wrapped struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
			detailedError = fmt.Errorf("API调用失败, 状态码: %d, 类型: %s, 错误: %s, Code: %s",
				resp.StatusCode, wrapped.Error.Type, wrapped.Error.Message, wrapped.Error.Code)
		}
		tracing.RecordHTTPError(span, detailedError, resp.StatusCode)
		a.logger.Error().Err(detailedError).Msg("Embedding API调用失败")
		return nil, detailedError
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		err := fmt.Errorf("API返回错误: 类型=%s, 消息='%s', Code=%s", parsed.Error.Type, parsed.Error.Message, parsed.Error.Code)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("返回向量数 %d 与输入数 %d 不一致", len(parsed.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, entry := range parsed.Data {
		if entry.Index < 0 || entry.Index >= len(out) {
			return nil, fmt.Errorf("返回了越界的向量下标 %d", entry.Index)
		}
		out[entry.Index] = entry.Embedding
	}

	a.logger.Debug().
		Int("texts", len(texts)).
		Int("dim", firstEmbeddingDim(out)).
		Int("total_tokens", parsed.Usage.TotalTokens).
		Str("preview", truncateEmbedding(out[0])).
		Msg("向量化完成")
	return out, nil
}

func firstEmbeddingDim(embeddings [][]float64) int {
	if len(embeddings) > 0 {
		return len(embeddings[0])
	}
	return 0
}

// truncateEmbedding 截断向量的字符串形式，避免日志过长
func truncateEmbedding(vector []float64) string {
	const maxLen = 6
	const showEachSide = 3

	if len(vector) <= maxLen {
		return fmt.Sprintf("%v", vector)
	}

	parts := make([]string, 0, 2*showEachSide+1)
	for i := 0; i < showEachSide; i++ {
		parts = append(parts, fmt.Sprintf("%.4f", vector[i]))
	}
	parts = append(parts, "...")
	for i := len(vector) - showEachSide; i < len(vector); i++ {
		parts = append(parts, fmt.Sprintf("%.4f", vector[i]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

var _ embedding.Embedder = (*AliyunEmbedder)(nil)
