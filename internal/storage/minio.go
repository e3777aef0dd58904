package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"resume-matcher/internal/config"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/tracing"
)

var minioTracer = otel.Tracer("resume-matcher/storage/minio")

// maxParsedTextBytes 单份解析文本的读取上限
const maxParsedTextBytes = 4 << 20

// ErrTextTooLarge 解析文本超过读取上限
var ErrTextTooLarge = errors.New("解析文本超过大小上限")

// TextSource 按对象路径读取简历解析文本
type TextSource interface {
	GetParsedText(ctx context.Context, objectKey string) (string, error)
}

var _ TextSource = (*MinIO)(nil)

// MinIO 读取上游解析服务写入的简历文本
type MinIO struct {
	client       *minio.Client
	parsedBucket string
	logger       zerolog.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	parsedBucket := cfg.ParsedTextBucket
	if parsedBucket == "" {
		parsedBucket = "parsed-text"
	}

	m := &MinIO{
		client:       client,
		parsedBucket: parsedBucket,
		logger:       logger.Component("minio"),
	}
	if err := m.ensureBucketExists(context.Background(), parsedBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保解析文本存储桶 %s 存在失败: %w", parsedBucket, err)
	}

	m.logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", parsedBucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶是否存在失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	m.logger.Info().Str("bucket", bucketName).Msg("已创建存储桶")
	return nil
}

// GetParsedText 读取解析文本；objectKey 可带 "bucket/" 前缀
func (m *MinIO) GetParsedText(ctx context.Context, objectKey string) (string, error) {
	bucket, key := m.parsedBucket, strings.TrimPrefix(objectKey, "/")
	if strings.HasPrefix(key, m.parsedBucket+"/") {
		key = strings.TrimPrefix(key, m.parsedBucket+"/")
	}

	ctx, span := minioTracer.Start(ctx, "MinIO.GetParsedText",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("minio.bucket", bucket),
			attribute.String("minio.object", key),
		))
	defer span.End()

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return "", fmt.Errorf("获取对象 %s/%s 失败: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxParsedTextBytes+1))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return "", fmt.Errorf("读取对象 %s/%s 失败: %w", bucket, key, err)
	}
	if len(data) > maxParsedTextBytes {
		return "", fmt.Errorf("%s: %w", key, ErrTextTooLarge)
	}

	span.SetAttributes(attribute.Int("minio.object.size", len(data)))
	span.SetStatus(codes.Ok, "")
	return string(data), nil
}

// IsObjectMissing 对象不存在
func IsObjectMissing(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
