// Package llm 提供OpenAI兼容接口 (DashScope 通义千问) 的 eino ChatModel 实现及限流代理。
package llm

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

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/tracing"
)

var tracer = otel.Tracer("resume-matcher/llm")

// ErrStreamNotSupported 当前实现不支持流式输出
var ErrStreamNotSupported = errors.New("OpenAI兼容模型暂不支持Stream")

// Config 聊天模型配置
type Config struct {
	APIKey      string
	APIURL      string
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool // 请求 response_format=json_object
	Timeout     time.Duration
}

// ConfigFromApp 由应用配置构造抽取用的模型配置
func ConfigFromApp(cfg *config.Config) Config {
	modelName := cfg.Taxonomy.ModelName
	if modelName == "" {
		modelName = cfg.Aliyun.Model
	}
	return Config{
		APIKey:      cfg.Aliyun.APIKey,
		APIURL:      cfg.Aliyun.APIURL,
		Model:       modelName,
		Temperature: cfg.Taxonomy.Temperature,
		MaxTokens:   cfg.Taxonomy.MaxTokens,
		JSONMode:    true,
	}
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCallIO `json:"tool_calls,omitempty"`
}

type chatToolCallIO struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Tools          []openAITool    `json:"tools,omitempty"`
	Temperature    *float32        `json:"temperature,omitempty"`
	TopP           *float32        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string           `json:"role"`
			Content   *string          `json:"content"`
			ToolCalls []chatToolCallIO `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatModel OpenAI兼容的聊天模型，实现 model.ToolCallingChatModel
type ChatModel struct {
	cfg        Config
	httpClient *http.Client
	tools      []openAITool
	logger     zerolog.Logger
}

// Option ChatModel选项
type Option func(*ChatModel)

// WithHTTPClient 自定义HTTP客户端
func WithHTTPClient(c *http.Client) Option {
	return func(m *ChatModel) {
		m.httpClient = c
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(m *ChatModel) {
		m.logger = l
	}
}

// NewChatModel 创建聊天模型
func NewChatModel(cfg Config, opts ...Option) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("API 密钥不能为空")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = config.DefaultChatModel
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = config.DefaultChatAPIURL
	}

	m := &ChatModel{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Component("llm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Info().Str("api_url", cfg.APIURL).Str("model", cfg.Model).Msg("使用OpenAI兼容LLM客户端")
	return m, nil
}

// Generate 实现 model.ChatModel
func (m *ChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	ctx, span := tracer.Start(ctx, "LLM.Generate")
	defer span.End()

	req := m.buildRequest(messages, opts...)
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	body, err := json.Marshal(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	m.logger.Debug().
		Int("status", httpResp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("body", tracing.TruncateString(string(respBody), 500)).
		Msg("收到LLM响应")

	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, tracing.TruncateString(string(respBody), 300))
		tracing.RecordHTTPError(span, err, httpResp.StatusCode)
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API 返回空的 choices")
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))

	choice := resp.Choices[0].Message
	out := &schema.Message{Role: schema.RoleType(choice.Role)}
	if choice.Content != nil {
		out.Content = *choice.Content
	}
	if out.Role == "" {
		out.Role = schema.Assistant
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			ID:       tc.ID,
			Type:     tc.Type,
			Function: schema.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: resp.Choices[0].FinishReason,
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return out, nil
}

func (m *ChatModel) buildRequest(messages []*schema.Message, opts ...model.Option) chatCompletionRequest {
	temperature := float32(m.cfg.Temperature)
	defaults := &model.Options{Model: &m.cfg.Model, Temperature: &temperature}
	if m.cfg.MaxTokens > 0 {
		maxTokens := m.cfg.MaxTokens
		defaults.MaxTokens = &maxTokens
	}
	o := model.GetCommonOptions(defaults, opts...)

	req := chatCompletionRequest{
		Model:       m.cfg.Model,
		Temperature: o.Temperature,
		TopP:        o.TopP,
		MaxTokens:   o.MaxTokens,
		Stop:        o.Stop,
		Tools:       m.tools,
	}
	if o.Model != nil && *o.Model != "" {
		req.Model = *o.Model
	}
	if m.cfg.JSONMode && len(m.tools) == 0 {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	req.Messages = make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		cm := chatMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			var call chatToolCallIO
			call.ID, call.Type = tc.ID, "function"
			call.Function.Name, call.Function.Arguments = tc.Function.Name, tc.Function.Arguments
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		req.Messages = append(req.Messages, cm)
	}
	return req
}

// Stream 实现 model.ChatModel，当前未支持
func (m *ChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, ErrStreamNotSupported
}

// WithTools 返回绑定了工具的新实例，原实例不受影响
func (m *ChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound := make([]openAITool, 0, len(tools))
	for _, info := range tools {
		if info == nil {
			continue
		}
		params := json.RawMessage(`{"type":"object","properties":{}}`)
		if info.ParamsOneOf != nil {
			s, err := info.ParamsOneOf.ToOpenAPIV3()
			if err != nil {
				return nil, fmt.Errorf("转换工具 %s 的参数失败: %w", info.Name, err)
			}
			if s != nil {
				raw, err := json.Marshal(s)
				if err != nil {
					return nil, fmt.Errorf("序列化工具 %s 的参数失败: %w", info.Name, err)
				}
				params = raw
			}
		}
		bound = append(bound, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: info.Name, Description: info.Desc, Parameters: params},
		})
	}

	clone := *m
	clone.tools = bound
	return &clone, nil
}

var _ model.ToolCallingChatModel = (*ChatModel)(nil)
