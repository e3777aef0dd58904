// Package ranking 合并词法与语义得分并对简历排序。
package ranking

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidTopK K必须为正整数
	ErrInvalidTopK = errors.New("top_k 必须为正整数")
	// ErrInvalidWeights 混合权重非法
	ErrInvalidWeights = errors.New("混合权重非法")
)

// Weights 混合打分参数
type Weights struct {
	Lexical       float64
	Semantic      float64
	SemanticFloor float64 // 无关键词命中且语义得分低于此值的简历不参与排序
}

// DefaultWeights 0.4 * lexical + 0.6 * semantic，语义下限0.05
func DefaultWeights() Weights {
	return Weights{Lexical: 0.4, Semantic: 0.6, SemanticFloor: 0.05}
}

// Validate 权重非负且和为1
func (w Weights) Validate() error {
	if w.Lexical < 0 || w.Semantic < 0 {
		return fmt.Errorf("%w: 权重不能为负数", ErrInvalidWeights)
	}
	if math.Abs(w.Lexical+w.Semantic-1) > 1e-9 {
		return fmt.Errorf("%w: 权重之和必须为1，当前为 %.4f", ErrInvalidWeights, w.Lexical+w.Semantic)
	}
	if w.SemanticFloor < 0 || w.SemanticFloor > 1 {
		return fmt.Errorf("%w: 语义下限必须位于[0,1]", ErrInvalidWeights)
	}
	return nil
}

// Candidate 待排序的简历及其分项得分
type Candidate struct {
	Fingerprint     string
	Lexical         float64
	Semantic        float64
	MatchedKeywords int // 命中的计分关键词数
}

// Ranked 排序结果
type Ranked struct {
	Candidate
	Hybrid float64
}

// Ranker 混合排序器
type Ranker struct {
	weights Weights
}

// NewRanker 创建排序器，权重非法时返回错误
func NewRanker(w Weights) (*Ranker, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Ranker{weights: w}, nil
}

// Hybrid 混合得分
func (r *Ranker) Hybrid(lexical, semantic float64) float64 {
	return r.weights.Lexical*lexical + r.weights.Semantic*semantic
}

// Eligible 没有命中任何计分关键词且语义得分低于下限的简历被排除
func (r *Ranker) Eligible(c Candidate) bool {
	return c.MatchedKeywords > 0 || c.Semantic >= r.weights.SemanticFloor
}

// Rank 过滤、按混合得分降序排序 (同分按指纹升序)，返回前 min(k, 合格数) 个。
// 空池返回空结果。
func (r *Ranker) Rank(candidates []Candidate, k int) ([]Ranked, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTopK, k)
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if !r.Eligible(c) {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Hybrid: r.Hybrid(c.Lexical, c.Semantic)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Hybrid != ranked[j].Hybrid {
			return ranked[i].Hybrid > ranked[j].Hybrid
		}
		return ranked[i].Fingerprint < ranked[j].Fingerprint
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}
