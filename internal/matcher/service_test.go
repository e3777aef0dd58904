package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/config"
	"resume-matcher/internal/pool"
	"resume-matcher/internal/storage"
	"resume-matcher/internal/storage/models"
	"resume-matcher/internal/taxonomy"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

type fixedEmbedder struct {
	mu     sync.Mutex
	vector []float64
	texts  []string
	err    error
}

func (f *fixedEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, texts...)
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

type captureRecorder struct {
	runs []*RunRecord
	err  error
}

func (c *captureRecorder) RecordRun(_ context.Context, run *RunRecord) error {
	c.runs = append(c.runs, run)
	return c.err
}

func pythonTaxonomy() *types.KeywordTaxonomy {
	return &types.KeywordTaxonomy{
		Required: map[types.Category][]string{
			types.CategoryHardSkills: {"python", "sql"},
		},
		Preferred: map[types.Category][]string{
			types.CategoryToolsAndPlatforms: {"docker"},
		},
	}
}

func addResume(t *testing.T, s *pool.MemoryStore, fp, text string, vec []float64) {
	t.Helper()
	_, err := s.Add(context.Background(), &types.Resume{
		Fingerprint:   fp,
		RawText:       text,
		Tokens:        textnorm.BagOf(text),
		Embedding:     vec,
		CandidateName: "candidate-" + fp,
	})
	require.NoError(t, err)
}

func newTestService(t *testing.T, store ResumeStore, emb embedding.Embedder, opts ...Option) *Service {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.Workers = 4
	svc, err := NewService(nil, store, emb, cfg, opts...)
	require.NoError(t, err)
	return svc
}

func TestMatch_RanksAndReports(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python sql docker", []float64{1, 0})
	addResume(t, store, "b", "python", []float64{1, 0})
	addResume(t, store, "c", "cooking baking", []float64{-1, 0})
	emb := &fixedEmbedder{vector: []float64{1, 0}}
	svc := newTestService(t, store, emb)

	results, err := svc.Match(context.Background(), MatchRequest{
		Taxonomy:       pythonTaxonomy(),
		JobDescription: "Senior Python developer with SQL and Docker",
		ResumeIDs:      []string{"c", "b", "a"},
		TopK:           10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2, "c 没有命中且语义得分低于下限")

	assert.Equal(t, "a", results[0].Fingerprint)
	assert.Equal(t, "b", results[1].Fingerprint)
	assert.InDelta(t, 1.0, results[0].LexicalScore, 1e-9)
	assert.InDelta(t, 1.0, results[0].SemanticScore, 1e-9)
	for _, r := range results {
		assert.InDelta(t, 0.4*r.LexicalScore+0.6*r.SemanticScore, r.HybridScore, 1e-12)
	}
	assert.Equal(t, 3, results[0].MatchedKeywords)
	assert.Equal(t, 1, results[1].MatchedKeywords)
	assert.Equal(t, "candidate-a", results[0].CandidateName)

	hard := results[1].Report.ScoringKeywords[types.CategoryHardSkills]
	assert.Equal(t, []string{"python"}, hard.Matched)
	assert.Equal(t, []string{"sql"}, hard.Missing)

	assert.Equal(t, []string{"Senior Python developer with SQL and Docker"}, emb.texts)
}

func TestMatch_EmptyIDs(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	emb := &fixedEmbedder{vector: []float64{1, 0}}
	svc := newTestService(t, store, emb)

	results, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy()})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Empty(t, emb.texts)
}

func TestMatch_AllResumes(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	addResume(t, store, "b", "sql", []float64{1, 0})
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	out, err := svc.Run(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), AllResumes: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.PoolSize)
	assert.Len(t, out.Results, 2)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, config.DefaultTopK, out.TopK)
}

func TestMatch_TopKTruncation(t *testing.T) {
	store := pool.NewMemoryStore()
	var ids []string
	for i := 0; i < 6; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		addResume(t, store, fp, "python sql", []float64{1, float64(i)})
		ids = append(ids, fp)
	}
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	results, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: ids, TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// 语义得分随第二维增大而降低
	assert.Equal(t, "fp-0", results[0].Fingerprint)
	assert.Equal(t, "fp-1", results[1].Fingerprint)
}

func TestMatch_InvalidTopK(t *testing.T) {
	svc := newTestService(t, pool.NewMemoryStore(), &fixedEmbedder{vector: []float64{1}})

	_, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), TopK: -1})
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestMatch_LargeTopK(t *testing.T) {
	t.Run("空简历池", func(t *testing.T) {
		emb := &fixedEmbedder{vector: []float64{1}}
		svc := newTestService(t, pool.NewMemoryStore(), emb)

		results, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{}, TopK: 1000})
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
		assert.Empty(t, emb.texts)
	})

	t.Run("返回全部候选", func(t *testing.T) {
		store := pool.NewMemoryStore()
		addResume(t, store, "a", "python", []float64{1, 0})
		addResume(t, store, "b", "sql", []float64{1, 0})
		svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

		out, err := svc.Run(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), AllResumes: true, TopK: 1000})
		require.NoError(t, err)
		assert.Equal(t, 1000, out.TopK)
		assert.Len(t, out.Results, 2)
	})
}

func TestMatch_StoredWithoutTokens(t *testing.T) {
	store := pool.NewMemoryStore()
	_, err := store.Add(context.Background(), &types.Resume{
		Fingerprint: "a",
		RawText:     "python sql docker",
		Embedding:   []float64{1, 0},
	})
	require.NoError(t, err)
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	results, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, 3, r.MatchedKeywords)
	assert.Equal(t, r.Report.MatchedScoring(), r.MatchedKeywords)
	assert.Greater(t, r.LexicalScore, 0.0)
}

func TestMatch_MissingTaxonomy(t *testing.T) {
	svc := newTestService(t, pool.NewMemoryStore(), &fixedEmbedder{vector: []float64{1}})
	_, err := svc.Match(context.Background(), MatchRequest{ResumeIDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrMissingTaxonomy)
}

func TestMatch_UnknownResume(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	_, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"a", "ghost"}})
	assert.ErrorIs(t, err, pool.ErrUnknownResume)
}

func TestMatch_TiesBrokenByFingerprint(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "zz", "python sql", []float64{1, 0})
	addResume(t, store, "aa", "python sql", []float64{1, 0})
	addResume(t, store, "mm", "python sql", []float64{1, 0})
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	req := MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"zz", "aa", "mm"}}
	first, err := svc.Match(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := svc.Match(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "aa", first[0].Fingerprint)
	assert.Equal(t, "mm", first[1].Fingerprint)
	assert.Equal(t, "zz", first[2].Fingerprint)
}

func TestMatch_DimensionMismatchExcluded(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "ok", "python", []float64{1, 0})
	addResume(t, store, "old", "python sql docker", []float64{1, 0, 0})
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	results, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"ok", "old"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Fingerprint)
}

func TestMatch_Cancelled(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	rec := &captureRecorder{}
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}}, WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := svc.Match(ctx, MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"a"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
	assert.Empty(t, rec.runs)
}

func TestMatch_EmbedderFailure(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	svc := newTestService(t, store, &fixedEmbedder{err: errors.New("quota exceeded")})

	_, err := svc.Match(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), ResumeIDs: []string{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestMatch_SemanticTargetKeywords(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	emb := &fixedEmbedder{vector: []float64{1, 0}}
	cfg := DefaultServiceConfig()
	cfg.SemanticTarget = config.TargetKeywords
	svc, err := NewService(nil, store, emb, cfg)
	require.NoError(t, err)

	_, err = svc.Match(context.Background(), MatchRequest{
		Taxonomy:       pythonTaxonomy(),
		JobDescription: "ignored for semantic target",
		ResumeIDs:      []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{taxonomy.KeywordText(pythonTaxonomy())}, emb.texts)
}

func TestMatch_EmptyTargetScoresLexicalOnly(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python", []float64{1, 0})
	emb := &fixedEmbedder{vector: []float64{1, 0}}
	svc := newTestService(t, store, emb)

	results, err := svc.Match(context.Background(), MatchRequest{
		Taxonomy:  &types.KeywordTaxonomy{},
		ResumeIDs: []string{"a"},
	})
	require.NoError(t, err)
	assert.Empty(t, results, "没有关键词也没有语义目标时没有合格简历")
	assert.Empty(t, emb.texts)
}

func TestMatch_RecordsRun(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python sql", []float64{1, 0})
	rec := &captureRecorder{err: errors.New("mysql down")}
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}},
		WithRecorder(rec), WithClock(func() time.Time { return now }))

	jd := "Python and SQL"
	out, err := svc.Run(context.Background(), MatchRequest{Taxonomy: pythonTaxonomy(), JobDescription: jd, ResumeIDs: []string{"a"}, TopK: 3})
	require.NoError(t, err, "记录失败不影响匹配结果")
	require.Len(t, rec.runs, 1)

	run := rec.runs[0]
	assert.Equal(t, out.RunID, run.RunID)
	assert.Equal(t, textnorm.Fingerprint(jd), run.JDFingerprint)
	assert.Equal(t, 3, run.TopK)
	assert.Equal(t, now, run.CompletedAt)

	ev := run.Event()
	assert.Equal(t, 1, ev.ResultCount)
	assert.Equal(t, "a", ev.Results[0].Fingerprint)
}

func TestReportByID(t *testing.T) {
	store := pool.NewMemoryStore()
	addResume(t, store, "a", "python docker", []float64{1, 0})
	svc := newTestService(t, store, &fixedEmbedder{vector: []float64{1, 0}})

	rep, err := svc.ReportByID(context.Background(), "a", pythonTaxonomy())
	require.NoError(t, err)
	assert.Equal(t, []string{"docker"}, rep.ScoringKeywords[types.CategoryToolsAndPlatforms].Matched)

	_, err = svc.ReportByID(context.Background(), "", pythonTaxonomy())
	assert.ErrorIs(t, err, ErrMissingFingerprint)
	_, err = svc.ReportByID(context.Background(), "ghost", pythonTaxonomy())
	assert.ErrorIs(t, err, pool.ErrUnknownResume)
	_, err = svc.ReportByID(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrMissingTaxonomy)
}

func TestExtractTaxonomy_NoExtractor(t *testing.T) {
	svc := newTestService(t, pool.NewMemoryStore(), &fixedEmbedder{vector: []float64{1}})
	_, err := svc.ExtractTaxonomy(context.Background(), "jd")
	assert.True(t, taxonomy.IsExtractionError(err))
}

type captureRunStore struct {
	run   *models.MatchRun
	event *models.OutboxMessage
}

func (c *captureRunStore) SaveMatchRun(_ context.Context, run *models.MatchRun, event *models.OutboxMessage) error {
	c.run, c.event = run, event
	return nil
}

func TestAuditRecorder(t *testing.T) {
	rs := &captureRunStore{}
	rec := NewAuditRecorder(rs, "match.events", "match.completed")
	run := &RunRecord{
		RunID:    "run-1",
		Taxonomy: pythonTaxonomy(),
		PoolSize: 3,
		TopK:     2,
		Results:  []types.MatchResult{{Fingerprint: "a", HybridScore: 0.9}},
		Duration: 1500 * time.Millisecond,
	}
	require.NoError(t, rec.RecordRun(context.Background(), run))

	require.NotNil(t, rs.run)
	assert.Equal(t, "run-1", rs.run.RunID)
	assert.Equal(t, 1, rs.run.ResultCount)
	assert.Equal(t, int64(1500), rs.run.DurationMillis)

	require.NotNil(t, rs.event)
	assert.Equal(t, storage.EventTypeMatchCompleted, rs.event.EventType)
	assert.Equal(t, "match.events", rs.event.TargetExchange)
	assert.Equal(t, models.OutboxStatusPending, rs.event.Status)

	var ev storage.MatchCompletedEvent
	require.NoError(t, json.Unmarshal([]byte(rs.event.Payload), &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, int64(1500), ev.DurationMS)

	// 没有交换机时只写审计行
	rs2 := &captureRunStore{}
	require.NoError(t, NewAuditRecorder(rs2, "", "").RecordRun(context.Background(), run))
	assert.NotNil(t, rs2.run)
	assert.Nil(t, rs2.event)
}
