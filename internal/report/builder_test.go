package report

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/scoring"
	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

func sampleTaxonomy() *types.KeywordTaxonomy {
	return &types.KeywordTaxonomy{
		Required: map[types.Category][]string{
			types.CategoryHardSkills:        {"python", "sql", "machine learning"},
			types.CategoryToolsAndPlatforms: {"docker"},
			types.CategoryDomainKnowledge:   {"fintech"},
		},
		Preferred: map[types.Category][]string{
			types.CategoryHardSkills:           {"go"},
			types.CategoryQualifications:       {"aws certified"},
			types.CategoryExperienceIndicators: {"5+ years"},
		},
	}
}

func TestBuild_UnionAndDisjoint(t *testing.T) {
	tax := sampleTaxonomy()
	bag := textnorm.BagOf("Python developer with Machine learning, Docker and fintech background. AWS.")

	details := Build(bag, tax)

	check := func(section map[types.Category]types.KeywordBreakdown) {
		for c, b := range section {
			all := append(append([]string{}, b.Matched...), b.Missing...)
			sort.Strings(all)
			assert.Equal(t, tax.KeywordsIn(c), all, "类别 %s 的命中与缺失之并应等于全部关键词", c)

			seen := make(map[string]bool)
			for _, kw := range b.Matched {
				seen[kw] = true
			}
			for _, kw := range b.Missing {
				assert.False(t, seen[kw], "关键词 %q 同时出现在命中和缺失中", kw)
			}
		}
	}
	check(details.ScoringKeywords)
	check(details.AdditionalKeywords)

	assert.Len(t, details.ScoringKeywords, 3)
	assert.Len(t, details.AdditionalKeywords, 2)
}

func TestBuild_SectionsFollowScoringSplit(t *testing.T) {
	tax := sampleTaxonomy()
	details := Build(textnorm.BagOf("python fintech"), tax)

	require.Contains(t, details.ScoringKeywords, types.CategoryHardSkills)
	require.Contains(t, details.AdditionalKeywords, types.CategoryDomainKnowledge)
	assert.NotContains(t, details.ScoringKeywords, types.CategoryDomainKnowledge)
	assert.Equal(t, []string{"fintech"}, details.AdditionalKeywords[types.CategoryDomainKnowledge].Matched)

	tax.ScoringCategories = []types.Category{types.CategoryDomainKnowledge}
	details = Build(textnorm.BagOf("python fintech"), tax)
	assert.Contains(t, details.ScoringKeywords, types.CategoryDomainKnowledge)
	assert.Contains(t, details.AdditionalKeywords, types.CategoryHardSkills)
}

func TestBuild_ConjunctivePhrase(t *testing.T) {
	tax := &types.KeywordTaxonomy{
		Required: map[types.Category][]string{types.CategoryHardSkills: {"machine learning"}},
	}
	details := Build(textnorm.BagOf("machine operator"), tax)
	b := details.ScoringKeywords[types.CategoryHardSkills]
	assert.Empty(t, b.Matched)
	assert.Equal(t, []string{"machine learning"}, b.Missing)
}

func TestBuild_AgreesWithLexicalScore(t *testing.T) {
	tax := sampleTaxonomy()
	bags := []types.TokenBag{
		textnorm.BagOf("python sql docker go"),
		textnorm.BagOf("machine learning engineer"),
		textnorm.BagOf("java"),
	}
	corpus := scoring.NewLexical(tax, scoring.DefaultLexicalParams()).Fit(bags)

	for _, bag := range bags {
		details := Build(bag, tax)
		res := corpus.Score(bag)
		assert.Equal(t, res.Matched, details.MatchedScoring())
		if details.MatchedScoring() == 0 {
			assert.Equal(t, 0.0, res.Score)
		} else {
			assert.Greater(t, res.Score, 0.0)
		}
	}
}

func TestBuild_EmptyTaxonomy(t *testing.T) {
	details := Build(textnorm.BagOf("anything"), &types.KeywordTaxonomy{})
	assert.Empty(t, details.ScoringKeywords)
	assert.Empty(t, details.AdditionalKeywords)

	details = Build(nil, nil)
	assert.NotNil(t, details.ScoringKeywords)
}

func TestBuildForResume_FallsBackToRawText(t *testing.T) {
	tax := sampleTaxonomy()
	r := &types.Resume{RawText: "Docker expert"}
	details := BuildForResume(r, tax)
	assert.Equal(t, []string{"docker"}, details.ScoringKeywords[types.CategoryToolsAndPlatforms].Matched)
}

func TestTokensOf(t *testing.T) {
	assert.Equal(t, types.TokenBag{"go": 1}, TokensOf(&types.Resume{RawText: "python", Tokens: types.TokenBag{"go": 1}}))
	assert.Equal(t, textnorm.BagOf("Python SQL"), TokensOf(&types.Resume{RawText: "Python SQL"}))
}
