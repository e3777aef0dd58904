package types

import (
	"sort"
	"strings"
)

// Category 关键词类别，取值限定在固定集合内
type Category string

const (
	CategoryHardSkills                 Category = "hard_skills"
	CategoryToolsAndPlatforms          Category = "tools_and_platforms"
	CategoryMethodologiesAndFrameworks Category = "methodologies_and_frameworks"
	CategoryDomainKnowledge            Category = "domain_knowledge"
	CategoryQualifications             Category = "qualifications"
	CategoryExperienceIndicators       Category = "experience_indicators"
)

// AllCategories 全部合法类别，顺序即报告与计分中的遍历顺序
var AllCategories = []Category{
	CategoryHardSkills,
	CategoryToolsAndPlatforms,
	CategoryMethodologiesAndFrameworks,
	CategoryDomainKnowledge,
	CategoryQualifications,
	CategoryExperienceIndicators,
}

// DefaultScoringCategories 默认参与计分的类别，其余类别只用于展示
var DefaultScoringCategories = []Category{
	CategoryHardSkills,
	CategoryToolsAndPlatforms,
	CategoryMethodologiesAndFrameworks,
	CategoryQualifications,
}

// categoryAliases 模型常见的同义类别名
var categoryAliases = map[string]Category{
	"technical_skills":  CategoryHardSkills,
	"skills":            CategoryHardSkills,
	"tools":             CategoryToolsAndPlatforms,
	"tools_platforms":   CategoryToolsAndPlatforms,
	"platforms":         CategoryToolsAndPlatforms,
	"methodologies":     CategoryMethodologiesAndFrameworks,
	"frameworks":        CategoryMethodologiesAndFrameworks,
	"domain":            CategoryDomainKnowledge,
	"certifications":    CategoryQualifications,
	"education":         CategoryQualifications,
	"experience":        CategoryExperienceIndicators,
	"experience_levels": CategoryExperienceIndicators,
}

// ParseCategory 将任意写法的类别名映射到固定集合，未知类别返回false
func ParseCategory(s string) (Category, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_", "&", "and").Replace(key)
	for _, c := range AllCategories {
		if string(c) == key {
			return c, true
		}
	}
	c, ok := categoryAliases[key]
	return c, ok
}

// KeywordTaxonomy 从JD中抽取的关键词分类
type KeywordTaxonomy struct {
	Required  map[Category][]string `json:"required_keywords"`
	Preferred map[Category][]string `json:"preferred_keywords"`
	// ScoringCategories 计分类别；为空时使用 DefaultScoringCategories
	ScoringCategories []Category `json:"scoring_categories,omitempty"`
}

// IsScoring 判断类别是否参与计分
func (t *KeywordTaxonomy) IsScoring(c Category) bool {
	scoring := t.ScoringCategories
	if len(scoring) == 0 {
		scoring = DefaultScoringCategories
	}
	for _, s := range scoring {
		if s == c {
			return true
		}
	}
	return false
}

// Categories 返回在任一分区中出现的合法类别，按 AllCategories 顺序
func (t *KeywordTaxonomy) Categories() []Category {
	var out []Category
	for _, c := range AllCategories {
		if len(t.Required[c]) > 0 || len(t.Preferred[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// KeywordsIn 返回某类别下必需与优先关键词的并集（已排序）
func (t *KeywordTaxonomy) KeywordsIn(c Category) []string {
	seen := make(map[string]struct{}, len(t.Required[c])+len(t.Preferred[c]))
	var out []string
	for _, list := range [][]string{t.Required[c], t.Preferred[c]} {
		for _, kw := range list {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out
}

// KeywordCount 关键词总数
func (t *KeywordTaxonomy) KeywordCount() int {
	n := 0
	for _, c := range t.Categories() {
		n += len(t.KeywordsIn(c))
	}
	return n
}

// IsEmpty 没有任何关键词
func (t *KeywordTaxonomy) IsEmpty() bool {
	return t == nil || len(t.Categories()) == 0
}
