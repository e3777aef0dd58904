// Package report 为每份简历生成按类别划分的命中/缺失关键词报告。
package report

import (
	"resume-matcher/internal/scoring"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

// Build 对分类中每个类别的每个关键词判定命中或缺失。
// 判定与词法打分使用同一个 scoring.Matches；计分/附加的划分沿用分类本身的划分。
func Build(tokens types.TokenBag, tax *types.KeywordTaxonomy) types.ReportDetails {
	details := types.ReportDetails{
		ScoringKeywords:    make(map[types.Category]types.KeywordBreakdown),
		AdditionalKeywords: make(map[types.Category]types.KeywordBreakdown),
	}
	if tax == nil {
		return details
	}

	for _, c := range tax.Categories() {
		breakdown := types.KeywordBreakdown{Matched: []string{}, Missing: []string{}}
		for _, kw := range tax.KeywordsIn(c) {
			if scoring.Matches(tokens, textnorm.KeywordTokens(kw)) {
				breakdown.Matched = append(breakdown.Matched, kw)
			} else {
				breakdown.Missing = append(breakdown.Missing, kw)
			}
		}
		if tax.IsScoring(c) {
			details.ScoringKeywords[c] = breakdown
		} else {
			details.AdditionalKeywords[c] = breakdown
		}
	}
	return details
}

// TokensOf 返回简历的词频；未存储时从原文重新分词。
// 词法打分与报告都经由这里取词频，两者的命中判定才一致。
func TokensOf(r *types.Resume) types.TokenBag {
	if r.Tokens != nil {
		return r.Tokens
	}
	return textnorm.BagOf(r.RawText)
}

// BuildForResume 基于 TokensOf 生成报告
func BuildForResume(r *types.Resume, tax *types.KeywordTaxonomy) types.ReportDetails {
	return Build(TokensOf(r), tax)
}
