package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultChatAPIURL      = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	DefaultEmbeddingURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"
	DefaultChatModel       = "qwen-plus"
	DefaultEmbeddingModel  = "text-embedding-v3"
	DefaultEmbeddingDim    = 1024
	DefaultLexicalWeight   = 0.4
	DefaultSemanticWeight  = 0.6
	DefaultRequiredWeight  = 2.0
	DefaultPreferredWeight = 1.0
	DefaultSemanticFloor   = 0.05
	DefaultTopK            = 10
	DefaultBM25K1          = 1.2
	DefaultBM25B           = 0.75
	DefaultExtractTimeout  = "30s"
	DefaultCacheCapacity   = 4096
	DefaultQdrantDistance  = "Cosine"
	DefaultCacheTTL        = "24h"

	// TargetJobDescription 语义目标向量取JD原文；TargetKeywords 取关键词集合拼接文本
	TargetJobDescription = "job_description"
	TargetKeywords       = "keywords"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("配置无效")

// Config 应用程序配置
type Config struct {
	Aliyun         AliyunConfig         `yaml:"aliyun"`
	Taxonomy       TaxonomyConfig       `yaml:"taxonomy"`
	Matching       MatchingConfig       `yaml:"matching"`
	EmbeddingCache EmbeddingCacheConfig `yaml:"embedding_cache"`
	Qdrant         QdrantConfig         `yaml:"qdrant"`
	Redis          RedisConfig          `yaml:"redis"`
	MySQL          MySQLConfig          `yaml:"mysql"`
	MinIO          MinIOConfig          `yaml:"minio"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	Server         ServerConfig         `yaml:"server"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracing        TracingConfig        `yaml:"tracing"`
	// 模型QPM限制，键为模型名
	ModelQPMLimits map[string]int `yaml:"model_qpm_limits"`
}

// AliyunConfig OpenAI兼容的DashScope接入配置
type AliyunConfig struct {
	APIKey    string          `yaml:"api_key"`
	APIURL    string          `yaml:"api_url"`
	Model     string          `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig Embedding专用配置
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
}

// TaxonomyConfig 关键词分类抽取配置
type TaxonomyConfig struct {
	ModelName         string   `yaml:"model_name"`
	Temperature       float64  `yaml:"temperature"`
	MaxTokens         int      `yaml:"max_tokens"`
	Timeout           string   `yaml:"timeout"`     // 单次调用超时，例如 "30s"
	MaxRetries        int      `yaml:"max_retries"` // 失败后的重试次数
	QPM               int      `yaml:"qpm"`
	RetryWaitSeconds  int      `yaml:"retry_wait_seconds"`
	ScoringCategories []string `yaml:"scoring_categories"` // 参与计分的类别，其余为附加类别
	CacheTTL          string   `yaml:"cache_ttl"`          // Redis缓存时长，空表示不缓存
	PromptTemplate    string   `yaml:"prompt_template"`
}

// MatchingConfig 混合打分与排序参数
type MatchingConfig struct {
	LexicalWeight   float64 `yaml:"lexical_weight"`
	SemanticWeight  float64 `yaml:"semantic_weight"`
	RequiredWeight  float64 `yaml:"required_weight"`
	PreferredWeight float64 `yaml:"preferred_weight"`
	SemanticFloor   float64 `yaml:"semantic_floor"`
	DefaultTopK     int     `yaml:"default_top_k"`
	Workers         int     `yaml:"workers"` // 0 表示使用CPU核数
	BM25K1          float64 `yaml:"bm25_k1"`
	BM25B           float64 `yaml:"bm25_b"`
	SemanticTarget  string  `yaml:"semantic_target"` // job_description 或 keywords
	PublishEvents   bool    `yaml:"publish_events"`
}

// EmbeddingCacheConfig 以内容指纹为键的向量缓存配置
type EmbeddingCacheConfig struct {
	Capacity int    `yaml:"capacity"`
	TTL      string `yaml:"ttl"`
	UseRedis bool   `yaml:"use_redis"` // 是否启用Redis二级缓存
}

// QdrantConfig Qdrant向量数据库配置
type QdrantConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Collection     string `yaml:"collection"`
	Dimension      int    `yaml:"dimension"`
	APIKey         string `yaml:"api_key,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Distance       string `yaml:"distance"` // Cosine、Dot、Euclid 或 Manhattan
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	// 重试设置
	MaxRetries        int `yaml:"max_retries"`
	MinRetryBackoffMS int `yaml:"min_retry_backoff_ms"`
	MaxRetryBackoffMS int `yaml:"max_retry_backoff_ms"`
	// 指纹去重记录过期时间(天)
	FingerprintExpireDays int `yaml:"fingerprint_expire_days"`
}

// MySQLConfig MySQL配置
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// 连接池设置
	MaxIdleConns           int `yaml:"max_idle_conns"`
	MaxOpenConns           int `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
	// 超时设置
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`
	LogLevel              int `yaml:"log_level"` // 1-4，对应 gorm Silent..Info
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint         string `yaml:"endpoint"`
	AccessKeyID      string `yaml:"accessKeyID"`
	SecretAccessKey  string `yaml:"secretAccessKey"`
	UseSSL           bool   `yaml:"useSSL"`
	Location         string `yaml:"location"`
	ParsedTextBucket string `yaml:"parsedTextBucket"`
}

// RabbitMQConfig RabbitMQ配置
type RabbitMQConfig struct {
	URL                      string `yaml:"url"`
	ResumeEventsExchange     string `yaml:"resume_events_exchange"`
	ParsedRoutingKey         string `yaml:"parsed_routing_key"`
	IngestQueue              string `yaml:"ingest_queue"`
	MatchEventsExchange      string `yaml:"match_events_exchange"`
	MatchCompletedRoutingKey string `yaml:"match_completed_routing_key"`
	PrefetchCount            int    `yaml:"prefetch_count"`
	ConsumerWorkers          int    `yaml:"consumer_workers"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Address        string   `yaml:"address"`
	RequestTimeout string   `yaml:"request_timeout"`
	APIKeys        []string `yaml:"api_keys"` // 为空时不校验
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	TimeFormat   string `yaml:"time_format"`
	ReportCaller bool   `yaml:"report_caller"`
}

// TracingConfig OpenTelemetry追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC 地址，例如 localhost:4317
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig 从文件加载配置；路径为空时在常见位置查找，找不到则使用默认配置
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = findConfigFile()
		if configPath == "" {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile 依次尝试工作目录、上级目录、可执行文件目录和用户目录
func findConfigFile() string {
	searchPaths := []string{
		"config.yaml",
		filepath.Join("configs", "config.yaml"),
		filepath.Join("..", "config.yaml"),
	}
	if execPath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(execPath), "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".resume-matcher", "config.yaml"))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// applyEnvOverrides 使用环境变量覆盖敏感或部署相关的配置
func applyEnvOverrides(cfg *Config) {
	if envKey := os.Getenv("ALIYUN_API_KEY"); envKey != "" {
		cfg.Aliyun.APIKey = envKey
	}
	if envURL := os.Getenv("ALIYUN_API_URL"); envURL != "" {
		cfg.Aliyun.APIURL = envURL
	}
	if envModel := os.Getenv("ALIYUN_MODEL"); envModel != "" {
		cfg.Aliyun.Model = envModel
	}
	if addr := os.Getenv("REDIS_ADDRESS"); addr != "" {
		cfg.Redis.Address = addr
	}
	if endpoint := os.Getenv("QDRANT_ENDPOINT"); endpoint != "" {
		cfg.Qdrant.Endpoint = endpoint
	}
}

// applyDefaults 为未设置的字段填充默认值
func applyDefaults(cfg *Config) {
	if cfg.Aliyun.APIURL == "" {
		cfg.Aliyun.APIURL = DefaultChatAPIURL
	}
	if cfg.Aliyun.Model == "" {
		cfg.Aliyun.Model = DefaultChatModel
	}
	if cfg.Aliyun.Embedding.Model == "" {
		cfg.Aliyun.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Aliyun.Embedding.Dimensions == 0 {
		cfg.Aliyun.Embedding.Dimensions = DefaultEmbeddingDim
	}
	if cfg.Aliyun.Embedding.BaseURL == "" {
		cfg.Aliyun.Embedding.BaseURL = DefaultEmbeddingURL
	}

	t := &cfg.Taxonomy
	if t.ModelName == "" {
		t.ModelName = cfg.Aliyun.Model
	}
	if t.Timeout == "" {
		t.Timeout = DefaultExtractTimeout
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 1
	}
	if t.QPM == 0 {
		t.QPM = 60
	}
	if t.RetryWaitSeconds == 0 {
		t.RetryWaitSeconds = 1
	}

	m := &cfg.Matching
	if m.LexicalWeight == 0 && m.SemanticWeight == 0 {
		m.LexicalWeight = DefaultLexicalWeight
		m.SemanticWeight = DefaultSemanticWeight
	}
	if m.RequiredWeight == 0 {
		m.RequiredWeight = DefaultRequiredWeight
	}
	if m.PreferredWeight == 0 {
		m.PreferredWeight = DefaultPreferredWeight
	}
	if m.SemanticFloor == 0 {
		m.SemanticFloor = DefaultSemanticFloor
	}
	if m.DefaultTopK == 0 {
		m.DefaultTopK = DefaultTopK
	}
	if m.Workers <= 0 {
		m.Workers = runtime.NumCPU()
	}
	if m.BM25K1 == 0 {
		m.BM25K1 = DefaultBM25K1
	}
	if m.BM25B == 0 {
		m.BM25B = DefaultBM25B
	}
	if m.SemanticTarget == "" {
		m.SemanticTarget = TargetJobDescription
	}

	if cfg.EmbeddingCache.Capacity == 0 {
		cfg.EmbeddingCache.Capacity = DefaultCacheCapacity
	}
	if cfg.EmbeddingCache.TTL == "" {
		cfg.EmbeddingCache.TTL = DefaultCacheTTL
	}

	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "resume_embeddings"
	}
	if cfg.Qdrant.Dimension == 0 {
		cfg.Qdrant.Dimension = cfg.Aliyun.Embedding.Dimensions
	}
	if cfg.Qdrant.TimeoutSeconds == 0 {
		cfg.Qdrant.TimeoutSeconds = 30
	}
	if cfg.Qdrant.Distance == "" {
		cfg.Qdrant.Distance = DefaultQdrantDistance
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.DialTimeoutSeconds == 0 {
		cfg.Redis.DialTimeoutSeconds = 5
	}
	if cfg.Redis.ReadTimeoutSeconds == 0 {
		cfg.Redis.ReadTimeoutSeconds = 3
	}
	if cfg.Redis.WriteTimeoutSeconds == 0 {
		cfg.Redis.WriteTimeoutSeconds = 3
	}
	if cfg.Redis.FingerprintExpireDays == 0 {
		cfg.Redis.FingerprintExpireDays = 365
	}

	if cfg.MySQL.Port == 0 {
		cfg.MySQL.Port = 3306
	}
	if cfg.MySQL.MaxIdleConns == 0 {
		cfg.MySQL.MaxIdleConns = 10
	}
	if cfg.MySQL.MaxOpenConns == 0 {
		cfg.MySQL.MaxOpenConns = 50
	}
	if cfg.MySQL.ConnMaxLifetimeMinutes == 0 {
		cfg.MySQL.ConnMaxLifetimeMinutes = 60
	}
	if cfg.MySQL.ConnectTimeoutSeconds == 0 {
		cfg.MySQL.ConnectTimeoutSeconds = 10
	}
	if cfg.MySQL.ReadTimeoutSeconds == 0 {
		cfg.MySQL.ReadTimeoutSeconds = 30
	}
	if cfg.MySQL.WriteTimeoutSeconds == 0 {
		cfg.MySQL.WriteTimeoutSeconds = 30
	}
	if cfg.MySQL.LogLevel == 0 {
		cfg.MySQL.LogLevel = 2
	}

	if cfg.MinIO.ParsedTextBucket == "" {
		cfg.MinIO.ParsedTextBucket = "parsed-text"
	}

	r := &cfg.RabbitMQ
	if r.ResumeEventsExchange == "" {
		r.ResumeEventsExchange = "resume.events.exchange"
	}
	if r.ParsedRoutingKey == "" {
		r.ParsedRoutingKey = "resume.parsed"
	}
	if r.IngestQueue == "" {
		r.IngestQueue = "q.resume_ingest"
	}
	if r.MatchEventsExchange == "" {
		r.MatchEventsExchange = "resume.match.exchange"
	}
	if r.MatchCompletedRoutingKey == "" {
		r.MatchCompletedRoutingKey = "match.completed"
	}
	if r.PrefetchCount == 0 {
		r.PrefetchCount = 10
	}
	if r.ConsumerWorkers == 0 {
		r.ConsumerWorkers = 4
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.RequestTimeout == "" {
		cfg.Server.RequestTimeout = "120s"
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "resume-matcher"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 0.1
	}
}

var qdrantDistances = map[string]bool{"Cosine": true, "Dot": true, "Euclid": true, "Manhattan": true}

// Validate 校验配置的取值范围
func (c *Config) Validate() error {
	m := c.Matching
	if m.LexicalWeight < 0 || m.SemanticWeight < 0 {
		return fmt.Errorf("%w: 混合权重不能为负数", ErrInvalidConfig)
	}
	if math.Abs(m.LexicalWeight+m.SemanticWeight-1) > 1e-9 {
		return fmt.Errorf("%w: lexical_weight + semantic_weight 必须等于1，当前为 %.4f", ErrInvalidConfig, m.LexicalWeight+m.SemanticWeight)
	}
	if m.RequiredWeight <= 0 || m.PreferredWeight <= 0 {
		return fmt.Errorf("%w: required_weight 和 preferred_weight 必须为正数", ErrInvalidConfig)
	}
	if m.SemanticFloor < 0 || m.SemanticFloor > 1 {
		return fmt.Errorf("%w: semantic_floor 必须位于[0,1]", ErrInvalidConfig)
	}
	if m.DefaultTopK <= 0 {
		return fmt.Errorf("%w: default_top_k 必须为正数", ErrInvalidConfig)
	}
	if m.SemanticTarget != TargetJobDescription && m.SemanticTarget != TargetKeywords {
		return fmt.Errorf("%w: 未知的 semantic_target %q", ErrInvalidConfig, m.SemanticTarget)
	}
	if c.Taxonomy.MaxRetries < 0 {
		return fmt.Errorf("%w: taxonomy.max_retries 不能为负数", ErrInvalidConfig)
	}
	if _, err := time.ParseDuration(c.Taxonomy.Timeout); err != nil {
		return fmt.Errorf("%w: taxonomy.timeout 无法解析: %v", ErrInvalidConfig, err)
	}
	if c.EmbeddingCache.Capacity < 0 {
		return fmt.Errorf("%w: embedding_cache.capacity 不能为负数", ErrInvalidConfig)
	}
	if !qdrantDistances[c.Qdrant.Distance] {
		return fmt.Errorf("%w: 未知的 qdrant.distance %q", ErrInvalidConfig, c.Qdrant.Distance)
	}
	return nil
}

// GetDuration 解析时长字符串，失败时返回默认值
func GetDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// DefaultConfig 返回一份全部使用默认值的配置，外部依赖均未启用
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.ModelQPMLimits = map[string]int{
		"qwen-max":   1200,
		"qwen-plus":  15000,
		"qwen-turbo": 1200,
	}
	return cfg
}

// CreateSampleConfig 写出一份示例配置文件，不覆盖已存在的文件
func CreateSampleConfig(filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		return fmt.Errorf("文件 '%s' 已存在，不会覆盖", filePath)
	}

	cfg := DefaultConfig()
	cfg.Aliyun.APIKey = "your_api_key_here"
	cfg.Redis.Address = "localhost:6379"
	cfg.Qdrant.Endpoint = "http://localhost:6333"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
