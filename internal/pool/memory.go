package pool

import (
	"context"
	"sync"

	"resume-matcher/internal/types"
)

// MemoryStore 进程内简历池，读写锁保护；入库持写锁，快照持读锁
type MemoryStore struct {
	mu      sync.RWMutex
	resumes map[string]*types.Resume
	order   []string
}

// NewMemoryStore 创建空的内存简历池
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resumes: make(map[string]*types.Resume)}
}

// Add 写入简历
func (s *MemoryStore) Add(_ context.Context, r *types.Resume) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resumes[r.Fingerprint]; ok {
		return false, nil
	}
	cp := *r
	s.resumes[r.Fingerprint] = &cp
	s.order = append(s.order, r.Fingerprint)
	return true, nil
}

// Has 指纹是否存在
func (s *MemoryStore) Has(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resumes[fingerprint]
	return ok, nil
}

// Get 读取单份简历
func (s *MemoryStore) Get(fingerprint string) (types.Resume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resumes[fingerprint]
	if !ok {
		return types.Resume{}, false
	}
	return *r, true
}

// Snapshot 返回简历副本
func (s *MemoryStore) Snapshot(_ context.Context, ids []string) ([]types.Resume, error) {
	ids = uniqueIDs(ids)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Resume, 0, len(ids))
	var missing []string
	for _, id := range ids {
		r, ok := s.resumes[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, *r)
	}
	if len(missing) > 0 {
		return nil, &UnknownResumesError{IDs: missing}
	}
	return out, nil
}

// IDs 按入库顺序返回指纹
func (s *MemoryStore) IDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

// Len 简历数量
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order), nil
}

var _ Store = (*MemoryStore)(nil)
