// Package scoring 实现关键词的词法打分 (BM25风格) 和向量的语义打分。
//
// 词法打分与报告共用同一个命中判定 Matches：报告中显示为命中的关键词一定参与了该简历的词法得分。
package scoring

import (
	"sort"

	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

// RoleWeights 必需/优先关键词的权重
type RoleWeights struct {
	Required  float64
	Preferred float64
}

// DefaultRoleWeights 默认 2:1
func DefaultRoleWeights() RoleWeights {
	return RoleWeights{Required: 2, Preferred: 1}
}

// Keyword 展开后的计分关键词
type Keyword struct {
	Text     string
	Tokens   []string
	Required bool
	Weight   float64 // 角色权重
}

// Matches 连词命中：tokens 非空且每个词都出现在 bag 中
func Matches(bag types.TokenBag, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if bag[t] <= 0 {
			return false
		}
	}
	return true
}

// MatchesKeyword 对原始关键词做分词后判定命中
func MatchesKeyword(bag types.TokenBag, keyword string) bool {
	return Matches(bag, textnorm.KeywordTokens(keyword))
}

// ScoringKeywords 将分类中所有计分类别的关键词展开为一个列表。
// 同一关键词出现在多个类别或两个分区时只保留一次，取最高的角色权重。
// 分词结果为空的关键词不参与计分。结果按关键词文本排序。
func ScoringKeywords(tax *types.KeywordTaxonomy, w RoleWeights) []Keyword {
	if tax == nil {
		return nil
	}
	byText := make(map[string]*Keyword)
	add := func(kw string, required bool) {
		weight := w.Preferred
		if required {
			weight = w.Required
		}
		if existing, ok := byText[kw]; ok {
			if weight > existing.Weight {
				existing.Weight = weight
				existing.Required = required
			}
			return
		}
		tokens := textnorm.KeywordTokens(kw)
		if len(tokens) == 0 {
			return
		}
		byText[kw] = &Keyword{Text: kw, Tokens: tokens, Required: required, Weight: weight}
	}

	for _, c := range types.AllCategories {
		if !tax.IsScoring(c) {
			continue
		}
		for _, kw := range tax.Required[c] {
			add(kw, true)
		}
		for _, kw := range tax.Preferred[c] {
			add(kw, false)
		}
	}

	out := make([]Keyword, 0, len(byText))
	for _, k := range byText {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

// DistinctTokens 计分关键词涉及的不同词的集合
func DistinctTokens(keywords []Keyword) map[string]struct{} {
	set := make(map[string]struct{})
	for _, k := range keywords {
		for _, t := range k.Tokens {
			set[t] = struct{}{}
		}
	}
	return set
}
