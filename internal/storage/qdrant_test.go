package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/config"
	"resume-matcher/internal/storage"
)

const collectionInfo = `{"result": {"config": {"params": {"vectors": {"size": 4, "distance": "Cosine"}}}}}`

// fakeQdrant 以内存map模拟points的upsert/retrieve
type fakeQdrant struct {
	mu       sync.Mutex
	points   map[string]map[string]interface{}
	created  bool
	exists   bool
	distance string
}

func (f *fakeQdrant) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/collections/test_collection" && r.Method == http.MethodGet:
			if !f.exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(collectionInfo))
		case r.URL.Path == "/collections/test_collection" && r.Method == http.MethodPut:
			var body struct {
				Vectors struct {
					Distance string `json:"distance"`
				} `json:"vectors"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.created, f.exists, f.distance = true, true, body.Vectors.Distance
			_, _ = w.Write([]byte(`{"result": true}`))
		case r.URL.Path == "/collections/test_collection/index":
			_, _ = w.Write([]byte(`{"result": {}}`))
		case r.URL.Path == "/collections/test_collection/points" && r.Method == http.MethodPut:
			var body struct {
				Points []map[string]interface{} `json:"points"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			for _, p := range body.Points {
				f.points[p["id"].(string)] = p
			}
			_, _ = w.Write([]byte(`{"result": {"status": "completed"}}`))
		case r.URL.Path == "/collections/test_collection/points" && r.Method == http.MethodPost:
			var body struct {
				IDs []string `json:"ids"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			result := []map[string]interface{}{}
			for _, id := range body.IDs {
				if p, ok := f.points[id]; ok {
					result = append(result, p)
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
		case r.URL.Path == "/collections/test_collection/points/count":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"result": {"count": %d}}`, len(f.points))))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestQdrant(t *testing.T, exists bool, opts ...storage.QdrantOption) (*storage.Qdrant, *fakeQdrant) {
	t.Helper()
	fake := &fakeQdrant{points: map[string]map[string]interface{}{}, exists: exists}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	client, err := storage.NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "test_collection",
		Dimension:  4,
	}, append([]storage.QdrantOption{storage.WithHttpTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err, "应该成功创建Qdrant客户端")
	return client, fake
}

func TestQdrant_NewQdrantCreatesMissingCollection(t *testing.T) {
	_, fake := newTestQdrant(t, false)
	assert.True(t, fake.created)

	_, fake = newTestQdrant(t, true)
	assert.False(t, fake.created, "已存在的集合不应重建")
}

func TestQdrant_DistanceMetric(t *testing.T) {
	_, fake := newTestQdrant(t, false)
	assert.Equal(t, "Cosine", fake.distance)

	_, fake = newTestQdrant(t, false, storage.WithDistanceMetric("Dot"))
	assert.Equal(t, "Dot", fake.distance)

	_, fake = newTestQdrant(t, false, storage.WithDistanceMetric(""))
	assert.Equal(t, "Cosine", fake.distance, "空值保留默认度量")
}

func TestQdrant_UpsertAndRetrieve(t *testing.T) {
	client, _ := newTestQdrant(t, true)
	ctx := context.Background()

	require.NoError(t, client.UpsertResumeVector(ctx, "fp-a", []float64{1, 0, 0, 0}, map[string]interface{}{"candidate_name": "张三"}))
	require.NoError(t, client.UpsertResumeVector(ctx, "fp-b", []float64{0, 1, 0, 0}, nil))
	// 同一指纹重复写入覆盖原点
	require.NoError(t, client.UpsertResumeVector(ctx, "fp-a", []float64{0, 0, 1, 0}, nil))

	vecs, err := client.RetrieveVectors(ctx, []string{"fp-a", "fp-b", "fp-missing"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, []float64{0, 0, 1, 0}, vecs["fp-a"])
	assert.Equal(t, []float64{0, 1, 0, 0}, vecs["fp-b"])

	count, err := client.CountPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestQdrant_UpsertRejectsWrongDimension(t *testing.T) {
	client, _ := newTestQdrant(t, true)
	err := client.UpsertResumeVector(context.Background(), "fp", []float64{1, 2}, nil)
	assert.Error(t, err)
}

func TestPointIDIsDeterministic(t *testing.T) {
	assert.Equal(t, storage.PointID("abc"), storage.PointID("abc"))
	assert.NotEqual(t, storage.PointID("abc"), storage.PointID("abd"))
}
