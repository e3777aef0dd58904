package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"resume-matcher/internal/logger"
	"resume-matcher/internal/textnorm"
)

// DefaultMaxBatch DashScope text-embedding-v3 单次请求的最大条数
const DefaultMaxBatch = 10

// VectorCache 二级向量缓存，由 Redis 适配器实现
type VectorCache interface {
	GetVector(ctx context.Context, fingerprint, modelVersion string) ([]float64, bool, error)
	SetVector(ctx context.Context, fingerprint, modelVersion string, vector []float64) error
}

// CachedEmbedder 以 (内容指纹, 模型版本) 为键缓存向量的 Embedder 包装
type CachedEmbedder struct {
	inner        embedding.Embedder
	modelVersion string
	l1           *expirable.LRU[string, []float64]
	l2           VectorCache
	maxBatch     int
	logger       zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOption CachedEmbedder选项
type CacheOption func(*CachedEmbedder)

// WithSecondLevel 启用二级缓存
func WithSecondLevel(c VectorCache) CacheOption {
	return func(ce *CachedEmbedder) {
		ce.l2 = c
	}
}

// WithMaxBatch 设置单次上游请求的最大条数
func WithMaxBatch(n int) CacheOption {
	return func(ce *CachedEmbedder) {
		if n > 0 {
			ce.maxBatch = n
		}
	}
}

// NewCachedEmbedder 创建缓存包装；capacity<=0 时使用 4096
func NewCachedEmbedder(inner embedding.Embedder, modelVersion string, capacity int, ttl time.Duration, opts ...CacheOption) *CachedEmbedder {
	if capacity <= 0 {
		capacity = 4096
	}
	ce := &CachedEmbedder{
		inner:        inner,
		modelVersion: modelVersion,
		l1:           expirable.NewLRU[string, []float64](capacity, nil, ttl),
		maxBatch:     DefaultMaxBatch,
		logger:       logger.Component("embedding_cache"),
	}
	for _, opt := range opts {
		opt(ce)
	}
	return ce
}

// ModelVersion 缓存使用的模型版本
func (c *CachedEmbedder) ModelVersion() string {
	return c.modelVersion
}

// Stats 返回命中与未命中次数
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) key(fingerprint string) string {
	return c.modelVersion + ":" + fingerprint
}

// EmbedStrings 先查L1再查L2，剩余文本按内容键去重后分批请求上游。
// 内容键只折叠空白和项目符号，不折叠大小写
func (c *CachedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	fps := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("第%d条文本: %w", i, ErrEmptyText)
		}
		fps[i] = textnorm.ContentKey(t)
	}

	// 指纹 -> 需要回填的下标
	pending := make(map[string][]int)
	var missTexts, missFps []string
	for i, fp := range fps {
		if vec, ok := c.l1.Get(c.key(fp)); ok {
			out[i] = vec
			c.hits.Add(1)
			continue
		}
		if idx, seen := pending[fp]; seen {
			pending[fp] = append(idx, i)
			continue
		}
		if c.l2 != nil {
			vec, ok, err := c.l2.GetVector(ctx, fp, c.modelVersion)
			if err != nil {
				c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("读取二级向量缓存失败，回退到上游")
			} else if ok {
				c.l1.Add(c.key(fp), vec)
				out[i] = vec
				c.hits.Add(1)
				continue
			}
		}
		pending[fp] = []int{i}
		missTexts = append(missTexts, texts[i])
		missFps = append(missFps, fp)
	}

	for start := 0; start < len(missTexts); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(missTexts) {
			end = len(missTexts)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs, err := c.inner.EmbedStrings(ctx, missTexts[start:end], opts...)
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("上游返回向量数 %d 与请求数 %d 不一致", len(vecs), end-start)
		}
		for j, vec := range vecs {
			fp := missFps[start+j]
			c.misses.Add(1)
			c.l1.Add(c.key(fp), vec)
			if c.l2 != nil {
				if err := c.l2.SetVector(ctx, fp, c.modelVersion, vec); err != nil {
					c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("写入二级向量缓存失败")
				}
			}
			for _, idx := range pending[fp] {
				out[idx] = vec
			}
		}
	}
	return out, nil
}

var _ embedding.Embedder = (*CachedEmbedder)(nil)
