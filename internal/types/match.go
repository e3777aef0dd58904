package types

// KeywordBreakdown 单个类别下的命中与缺失关键词
type KeywordBreakdown struct {
	Matched []string `json:"matched"`
	Missing []string `json:"missing"`
}

// ReportDetails 一份简历针对一个关键词分类的可解释报告
type ReportDetails struct {
	ScoringKeywords    map[Category]KeywordBreakdown `json:"scoring_keywords"`
	AdditionalKeywords map[Category]KeywordBreakdown `json:"additional_keywords"`
}

// MatchedScoring 计分关键词的命中总数
func (r ReportDetails) MatchedScoring() int {
	n := 0
	for _, b := range r.ScoringKeywords {
		n += len(b.Matched)
	}
	return n
}

// MatchResult 单份简历的匹配结果，构造后不再修改
type MatchResult struct {
	Fingerprint     string        `json:"fingerprint"`
	CandidateName   string        `json:"candidate_name,omitempty"`
	CurrentTitle    string        `json:"current_title,omitempty"`
	HybridScore     float64       `json:"hybrid_score"`
	LexicalScore    float64       `json:"lexical_score"`
	SemanticScore   float64       `json:"semantic_score"`
	MatchedKeywords int           `json:"matched_keywords"`
	Report          ReportDetails `json:"report"`
}
