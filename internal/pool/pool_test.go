package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/storage/models"
	"resume-matcher/internal/types"
)

func resume(fp string) *types.Resume {
	return &types.Resume{
		Fingerprint:   fp,
		RawText:       "text " + fp,
		Tokens:        types.TokenBag{"go": 2, fp: 1},
		Embedding:     []float64{1, 0},
		CandidateName: "候选人" + fp,
		Contact:       types.Contact{Email: fp + "@example.com"},
		CreatedAt:     time.Unix(1700000000, 0),
	}
}

func TestMemoryStore_AddAndDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	added, err := s.Add(ctx, resume("a"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, resume("a"))
	require.NoError(t, err)
	assert.False(t, added, "相同指纹不重复入库")

	_, _ = s.Add(ctx, resume("b"))
	n, _ := s.Len(ctx)
	assert.Equal(t, 2, n)

	ids, _ := s.IDs(ctx)
	assert.Equal(t, []string{"a", "b"}, ids)

	ok, _ := s.Has(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, fp := range []string{"a", "b", "c"} {
		_, _ = s.Add(ctx, resume(fp))
	}

	snap, err := s.Snapshot(ctx, []string{"c", "a", "c", " "})
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "c", snap[0].Fingerprint)
	assert.Equal(t, "a", snap[1].Fingerprint)

	empty, err := s.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.Snapshot(ctx, []string{"a", "zzz"})
	assert.ErrorIs(t, err, ErrUnknownResume)
	var ue *UnknownResumesError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"zzz"}, ue.IDs)
}

func TestMemoryStore_ConcurrentAddAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Add(ctx, resume(fmt.Sprintf("fp-%d", i%25)))
		}(i)
		go func() {
			defer wg.Done()
			ids, _ := s.IDs(ctx)
			snap, err := s.Snapshot(ctx, ids)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(snap), 25)
		}()
	}
	wg.Wait()

	n, _ := s.Len(ctx)
	assert.Equal(t, 25, n)
}

// fakeRecords / fakeVectors 以map模拟MySQL与Qdrant
type fakeRecords struct {
	recs  map[string]models.ResumeRecord
	order []string
}

func (f *fakeRecords) InsertResume(_ context.Context, rec *models.ResumeRecord) (bool, error) {
	if _, ok := f.recs[rec.Fingerprint]; ok {
		return false, nil
	}
	f.recs[rec.Fingerprint] = *rec
	f.order = append(f.order, rec.Fingerprint)
	return true, nil
}

func (f *fakeRecords) GetResumes(_ context.Context, fps []string) ([]models.ResumeRecord, error) {
	var out []models.ResumeRecord
	for _, fp := range fps {
		if r, ok := f.recs[fp]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRecords) ListFingerprints(context.Context) ([]string, error) {
	return append([]string(nil), f.order...), nil
}

func (f *fakeRecords) CountResumes(context.Context) (int64, error) {
	return int64(len(f.recs)), nil
}

type fakeVectors struct {
	vecs map[string][]float64
}

func (f *fakeVectors) UpsertResumeVector(_ context.Context, fp string, v []float64, _ map[string]interface{}) error {
	f.vecs[fp] = v
	return nil
}

func (f *fakeVectors) RetrieveVectors(_ context.Context, fps []string) (map[string][]float64, error) {
	out := map[string][]float64{}
	for _, fp := range fps {
		if v, ok := f.vecs[fp]; ok {
			out[fp] = v
		}
	}
	return out, nil
}

func (f *fakeVectors) CountPoints(context.Context) (int64, error) {
	return int64(len(f.vecs)), nil
}

func TestPersistentStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	recs := &fakeRecords{recs: map[string]models.ResumeRecord{}}
	vecs := &fakeVectors{vecs: map[string][]float64{}}
	s := NewPersistentStore(recs, vecs)

	added, err := s.Add(ctx, resume("a"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add(ctx, resume("a"))
	require.NoError(t, err)
	assert.False(t, added)

	snap, err := s.Snapshot(ctx, []string{"a"})
	require.NoError(t, err)
	require.Len(t, snap, 1)
	got := snap[0]
	assert.Equal(t, types.TokenBag{"go": 2, "a": 1}, got.Tokens)
	assert.Equal(t, []float64{1, 0}, got.Embedding)
	assert.Equal(t, "a@example.com", got.Contact.Email)
	assert.Equal(t, "候选人a", got.CandidateName)

	_, err = s.Snapshot(ctx, []string{"missing"})
	assert.ErrorIs(t, err, ErrUnknownResume)

	n, _ := s.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestPersistentStore_MissingVectorFails(t *testing.T) {
	ctx := context.Background()
	recs := &fakeRecords{recs: map[string]models.ResumeRecord{}}
	vecs := &fakeVectors{vecs: map[string][]float64{}}
	s := NewPersistentStore(recs, vecs)

	_, err := s.Add(ctx, resume("a"))
	require.NoError(t, err)
	delete(vecs.vecs, "a")

	_, err = s.Snapshot(ctx, []string{"a"})
	assert.Error(t, err)
}
