package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/config"
	"resume-matcher/internal/constants"
	"resume-matcher/internal/tracing"
	"resume-matcher/internal/types"
)

// ErrNotFound 键不存在
var ErrNotFound = redis.Nil

var redisTracer = otel.Tracer("resume-matcher/storage/redis")

// Redis 封装 go-redis 客户端，提供向量缓存、分类缓存、指纹去重和入库锁
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis连接并挂载OpenTelemetry钩子
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
	}

	client := redis.NewClient(opt)

	// 记录所有Redis命令的span
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Close 关闭连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// FingerprintExpireDuration 指纹去重记录的过期时间
func (r *Redis) FingerprintExpireDuration() time.Duration {
	days := r.config.FingerprintExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// SetVector 将向量和模型版本存入 HASH，实现 embedding.VectorCache
func (r *Redis) SetVector(ctx context.Context, fingerprint, modelVersion string, vector []float64) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	cacheKey := fmt.Sprintf(constants.KeyEmbeddingVector, fingerprint)

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("序列化向量失败: %w", err)
	}

	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, cacheKey, "vector", vectorJSON, "model_version", modelVersion)
	pipe.Expire(ctx, cacheKey, constants.EmbeddingCacheDuration)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("设置向量缓存失败: %w", err)
	}
	return nil
}

// GetVector 读取向量；不存在或模型版本不一致时返回 ok=false
func (r *Redis) GetVector(ctx context.Context, fingerprint, modelVersion string) ([]float64, bool, error) {
	if r.Client == nil {
		return nil, false, fmt.Errorf("redis client is not initialized")
	}
	cacheKey := fmt.Sprintf(constants.KeyEmbeddingVector, fingerprint)

	vals, err := r.Client.HMGet(ctx, cacheKey, "vector", "model_version").Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return nil, false, nil
	}
	if mv, _ := vals[1].(string); mv != modelVersion {
		return nil, false, nil
	}
	vectorJSON, ok := vals[0].(string)
	if !ok || vectorJSON == "" {
		return nil, false, fmt.Errorf("向量缓存格式错误")
	}
	var vector []float64
	if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
		return nil, false, fmt.Errorf("反序列化向量失败: %w", err)
	}
	return vector, true, nil
}

// SetTaxonomy 缓存JD的关键词分类，实现 taxonomy.Cache
func (r *Redis) SetTaxonomy(ctx context.Context, jdFingerprint string, tax *types.KeywordTaxonomy, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	data, err := json.Marshal(tax)
	if err != nil {
		return fmt.Errorf("序列化关键词分类失败: %w", err)
	}
	return r.Client.Set(ctx, fmt.Sprintf(constants.KeyTaxonomyByJD, jdFingerprint), data, ttl).Err()
}

// GetTaxonomy 读取缓存的关键词分类；未命中时返回 nil, nil
func (r *Redis) GetTaxonomy(ctx context.Context, jdFingerprint string) (*types.KeywordTaxonomy, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}
	val, err := r.Client.Get(ctx, fmt.Sprintf(constants.KeyTaxonomyByJD, jdFingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tax types.KeywordTaxonomy
	if err := json.Unmarshal([]byte(val), &tax); err != nil {
		return nil, fmt.Errorf("反序列化关键词分类失败: %w", err)
	}
	return &tax, nil
}

// CheckAndAddFingerprint 原子地检查并记录简历指纹，返回此前是否已存在
func (r *Redis) CheckAndAddFingerprint(ctx context.Context, fingerprint string) (exists bool, err error) {
	ctx, span := redisTracer.Start(ctx, "Redis.CheckAndAddFingerprint",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("db.redis.database", fmt.Sprintf("%d", r.config.DB)),
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "EVAL"),
		attribute.String("db.redis.key", constants.KeyResumeFingerprintSet),
		attribute.String("db.redis.member", fingerprint),
	)

	if r.Client == nil {
		err = fmt.Errorf("redis client is not initialized")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, err
	}

	script := `
		local exists = redis.call('SISMEMBER', KEYS[1], ARGV[1])
		redis.call('SADD', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[2])
		return exists
	`
	expiry := int64(r.FingerprintExpireDuration().Seconds())

	res, err := r.Client.Eval(ctx, script, []string{constants.KeyResumeFingerprintSet}, fingerprint, expiry).Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, fmt.Errorf("执行原子检查和添加操作失败: %w", err)
	}

	existsVal, ok := res.(int64)
	if !ok {
		err := fmt.Errorf("意外的Redis返回类型: %T", res)
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, err
	}

	exists = existsVal == 1
	span.SetAttributes(attribute.Bool("already_exists", exists))
	span.SetStatus(codes.Ok, "")
	return exists, nil
}

// RemoveFingerprint 入库失败时回滚指纹记录
func (r *Redis) RemoveFingerprint(ctx context.Context, fingerprint string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.SRem(ctx, constants.KeyResumeFingerprintSet, fingerprint).Err()
}

// AcquireLock 尝试获取分布式锁，未获取到时返回空字符串
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	lockValue := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放分布式锁，只有持有者才能删除
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}

// IngestLockKey 单个指纹的入库锁键
func IngestLockKey(fingerprint string) string {
	return fmt.Sprintf(constants.KeyResumeIngestLock, fingerprint)
}
