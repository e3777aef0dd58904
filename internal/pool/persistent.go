package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"resume-matcher/internal/storage"
	"resume-matcher/internal/storage/models"
	"resume-matcher/internal/types"
)

// RecordDB 简历记录的关系库操作，由 storage.MySQL 实现
type RecordDB interface {
	InsertResume(ctx context.Context, rec *models.ResumeRecord) (bool, error)
	GetResumes(ctx context.Context, fingerprints []string) ([]models.ResumeRecord, error)
	ListFingerprints(ctx context.Context) ([]string, error)
	CountResumes(ctx context.Context) (int64, error)
}

// PersistentStore 记录存MySQL、向量存Qdrant的简历池
type PersistentStore struct {
	records RecordDB
	vectors storage.VectorDatabase
}

// NewPersistentStore 创建持久化简历池
func NewPersistentStore(records RecordDB, vectors storage.VectorDatabase) *PersistentStore {
	return &PersistentStore{records: records, vectors: vectors}
}

// Add 先写向量再写记录，保证有记录的简历一定能取到向量
func (s *PersistentStore) Add(ctx context.Context, r *types.Resume) (bool, error) {
	rec, err := toRecord(r)
	if err != nil {
		return false, err
	}
	payload := map[string]interface{}{
		"source_id":       r.SourceID,
		"embedding_model": r.EmbeddingModel,
	}
	if err := s.vectors.UpsertResumeVector(ctx, r.Fingerprint, r.Embedding, payload); err != nil {
		return false, err
	}
	return s.records.InsertResume(ctx, rec)
}

// Has 指纹是否存在
func (s *PersistentStore) Has(ctx context.Context, fingerprint string) (bool, error) {
	recs, err := s.records.GetResumes(ctx, []string{fingerprint})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Snapshot 一次读取记录、一次读取向量
func (s *PersistentStore) Snapshot(ctx context.Context, ids []string) ([]types.Resume, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []types.Resume{}, nil
	}

	recs, err := s.records.GetResumes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("读取简历记录失败: %w", err)
	}
	byFP := make(map[string]*models.ResumeRecord, len(recs))
	for i := range recs {
		byFP[recs[i].Fingerprint] = &recs[i]
	}

	var missing []string
	for _, id := range ids {
		if _, ok := byFP[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownResumesError{IDs: missing}
	}

	vecs, err := s.vectors.RetrieveVectors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("读取简历向量失败: %w", err)
	}

	out := make([]types.Resume, 0, len(ids))
	for _, id := range ids {
		r, err := fromRecord(byFP[id])
		if err != nil {
			return nil, err
		}
		vec, ok := vecs[id]
		if !ok {
			return nil, fmt.Errorf("简历 %s 的向量缺失", id)
		}
		r.Embedding = vec
		out = append(out, r)
	}
	return out, nil
}

// IDs 全部指纹
func (s *PersistentStore) IDs(ctx context.Context) ([]string, error) {
	return s.records.ListFingerprints(ctx)
}

// Len 简历数量
func (s *PersistentStore) Len(ctx context.Context) (int, error) {
	n, err := s.records.CountResumes(ctx)
	return int(n), err
}

func toRecord(r *types.Resume) (*models.ResumeRecord, error) {
	tokens, err := json.Marshal(r.Tokens)
	if err != nil {
		return nil, fmt.Errorf("序列化词表失败: %w", err)
	}
	contact, err := json.Marshal(r.Contact)
	if err != nil {
		return nil, fmt.Errorf("序列化联系方式失败: %w", err)
	}
	return &models.ResumeRecord{
		Fingerprint:    r.Fingerprint,
		SourceID:       r.SourceID,
		Source:         r.Source,
		CandidateName:  r.CandidateName,
		CurrentTitle:   r.CurrentTitle,
		Summary:        r.Summary,
		RawText:        r.RawText,
		TokensJSON:     datatypes.JSON(tokens),
		ContactJSON:    datatypes.JSON(contact),
		EmbeddingModel: r.EmbeddingModel,
		CreatedAt:      r.CreatedAt,
	}, nil
}

func fromRecord(rec *models.ResumeRecord) (types.Resume, error) {
	r := types.Resume{
		Fingerprint:    rec.Fingerprint,
		SourceID:       rec.SourceID,
		Source:         rec.Source,
		RawText:        rec.RawText,
		EmbeddingModel: rec.EmbeddingModel,
		CandidateName:  rec.CandidateName,
		CurrentTitle:   rec.CurrentTitle,
		Summary:        rec.Summary,
		CreatedAt:      rec.CreatedAt,
	}
	if len(rec.TokensJSON) > 0 {
		if err := json.Unmarshal(rec.TokensJSON, &r.Tokens); err != nil {
			return r, fmt.Errorf("解析简历 %s 的词表失败: %w", rec.Fingerprint, err)
		}
	}
	if len(rec.ContactJSON) > 0 {
		if err := json.Unmarshal(rec.ContactJSON, &r.Contact); err != nil {
			return r, fmt.Errorf("解析简历 %s 的联系方式失败: %w", rec.Fingerprint, err)
		}
	}
	return r, nil
}

var _ Store = (*PersistentStore)(nil)
