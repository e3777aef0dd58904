package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/config"
	"resume-matcher/internal/textnorm"
)

func TestAliyunEmbedder_EmbedStrings(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		// 故意倒序返回，验证按 index 回填
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","embedding":[0,1],"index":1},
			{"object":"embedding","embedding":[1,0],"index":0}
		],"model":"text-embedding-v3","usage":{"prompt_tokens":4,"total_tokens":4}}`))
	}))
	defer srv.Close()

	e, err := NewAliyunEmbedder("test-key", config.EmbeddingConfig{BaseURL: srv.URL, Dimensions: 2})
	require.NoError(t, err)

	vecs, err := e.EmbedStrings(context.Background(), []string{"go", "python"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, config.DefaultEmbeddingModel, got.Model)
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, config.DefaultEmbeddingModel, e.Model())
}

func TestAliyunEmbedder_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"input too long","type":"invalid_request_error","code":"400"}}`))
	}))
	defer srv.Close()

	e, err := NewAliyunEmbedder("test-key", config.EmbeddingConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = e.EmbedStrings(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input too long")

	_, err = e.EmbedStrings(context.Background(), []string{"ok", "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	vecs, err := e.EmbedStrings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)

	_, err = NewAliyunEmbedder("", config.EmbeddingConfig{})
	assert.Error(t, err)
}

// fakeEmbedder 以文本长度构造向量，并记录每次调用的批次
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, append([]string(nil), texts...))
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type mapVectorCache struct {
	mu   sync.Mutex
	data map[string][]float64
}

func (m *mapVectorCache) GetVector(_ context.Context, fp, mv string) ([]float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[mv+"|"+fp]
	return v, ok, nil
}

func (m *mapVectorCache) SetVector(_ context.Context, fp, mv string, v []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[mv+"|"+fp] = v
	return nil
}

func TestCachedEmbedder_ReusesByContentKey(t *testing.T) {
	inner := &fakeEmbedder{}
	ce := NewCachedEmbedder(inner, "v3", 16, time.Hour)

	first, err := ce.EmbedStrings(context.Background(), []string{"Go Developer", "Python"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls())

	// 清洗后相同的文本命中缓存
	second, err := ce.EmbedStrings(context.Background(), []string{"  Go   Developer\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls())
	assert.Equal(t, first[0], second[0])

	hits, misses := ce.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestCachedEmbedder_DeduplicatesWithinBatch(t *testing.T) {
	inner := &fakeEmbedder{}
	ce := NewCachedEmbedder(inner, "v3", 16, time.Hour)

	vecs, err := ce.EmbedStrings(context.Background(), []string{"kafka", "  kafka\n", "redis"})
	require.NoError(t, err)
	require.Len(t, inner.batches, 1)
	assert.Len(t, inner.batches[0], 2)
	assert.Equal(t, vecs[0], vecs[1])
}

func TestCachedEmbedder_SplitsBatches(t *testing.T) {
	inner := &fakeEmbedder{}
	ce := NewCachedEmbedder(inner, "v3", 16, time.Hour, WithMaxBatch(2))

	vecs, err := ce.EmbedStrings(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls())
	for i, v := range vecs {
		assert.Equal(t, float64(i+1), v[0], "第%d条向量错位", i)
	}
}

func TestCachedEmbedder_ModelVersionIsolation(t *testing.T) {
	inner := &fakeEmbedder{}
	l2 := &mapVectorCache{data: map[string][]float64{}}

	a := NewCachedEmbedder(inner, "v2", 16, time.Hour, WithSecondLevel(l2))
	_, err := a.EmbedStrings(context.Background(), []string{"golang"})
	require.NoError(t, err)

	b := NewCachedEmbedder(inner, "v3", 16, time.Hour, WithSecondLevel(l2))
	_, err = b.EmbedStrings(context.Background(), []string{"golang"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls(), "不同模型版本不能共享向量")

	// 新实例的L1为空，但可从L2读取
	c := NewCachedEmbedder(inner, "v3", 16, time.Hour, WithSecondLevel(l2))
	_, err = c.EmbedStrings(context.Background(), []string{" golang "})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls())
	_, ok, _ := l2.GetVector(context.Background(), textnorm.ContentKey("golang"), "v3")
	assert.True(t, ok)
}

func TestCachedEmbedder_CaseSensitive(t *testing.T) {
	inner := &fakeEmbedder{}
	ce := NewCachedEmbedder(inner, "v3", 16, time.Hour)

	_, err := ce.EmbedStrings(context.Background(), []string{"Go", "GO"})
	require.NoError(t, err)
	require.Len(t, inner.batches, 1)
	assert.Equal(t, []string{"Go", "GO"}, inner.batches[0], "大小写不同的文本各自请求上游")

	_, err = ce.EmbedStrings(context.Background(), []string{"go"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls())

	_, misses := ce.Stats()
	assert.Equal(t, int64(3), misses)
}

func TestCachedEmbedder_Errors(t *testing.T) {
	inner := &fakeEmbedder{err: errors.New("upstream down")}
	ce := NewCachedEmbedder(inner, "v3", 16, time.Hour)

	_, err := ce.EmbedStrings(context.Background(), []string{"x"})
	assert.EqualError(t, err, "upstream down")

	_, err = ce.EmbedStrings(context.Background(), []string{""})
	assert.ErrorIs(t, err, ErrEmptyText)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewCachedEmbedder(&fakeEmbedder{}, "v3", 16, time.Hour).EmbedStrings(ctx, []string{"y"})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestAliyunEmbedder_Live 需要真实的 ALIYUN_API_KEY
func TestAliyunEmbedder_Live(t *testing.T) {
	key := os.Getenv("ALIYUN_API_KEY")
	if key == "" {
		t.Skip("跳过测试：未设置 ALIYUN_API_KEY")
	}
	e, err := NewAliyunEmbedder(key, config.EmbeddingConfig{Dimensions: 1024})
	require.NoError(t, err)

	vecs, err := e.EmbedStrings(context.Background(), []string{"Go 后端开发工程师"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 1024)
}
