// Package pool 保存已入库的简历池，并为匹配提供一致的快照。
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"resume-matcher/internal/types"
)

// ErrUnknownResume 请求的简历不在池中
var ErrUnknownResume = errors.New("简历不存在")

// UnknownResumesError 快照请求中包含池里没有的指纹
type UnknownResumesError struct {
	IDs []string
}

func (e *UnknownResumesError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnknownResume, strings.Join(e.IDs, ", "))
}

func (e *UnknownResumesError) Is(target error) bool {
	return target == ErrUnknownResume
}

// Store 简历池
type Store interface {
	// Add 写入一份简历；指纹已存在时不覆盖并返回 false
	Add(ctx context.Context, r *types.Resume) (bool, error)
	// Has 指纹是否已在池中
	Has(ctx context.Context, fingerprint string) (bool, error)
	// Snapshot 按 ids 的顺序返回简历副本，重复的 id 只保留第一次出现
	Snapshot(ctx context.Context, ids []string) ([]types.Resume, error)
	// IDs 按入库顺序返回全部指纹
	IDs(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// uniqueIDs 去掉空串和重复，保持首次出现的顺序
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
