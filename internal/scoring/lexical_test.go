package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

func skillsTaxonomy(required, preferred []string) *types.KeywordTaxonomy {
	return &types.KeywordTaxonomy{
		Required:  map[types.Category][]string{types.CategoryHardSkills: required},
		Preferred: map[types.Category][]string{types.CategoryHardSkills: preferred},
	}
}

func TestLexical_PythonSQLDockerScenario(t *testing.T) {
	tax := skillsTaxonomy([]string{"python", "sql"}, []string{"docker"})
	a := textnorm.BagOf("python sql docker")
	b := textnorm.BagOf("java")

	corpus := NewLexical(tax, DefaultLexicalParams()).Fit([]types.TokenBag{a, b})

	ra := corpus.Score(a)
	assert.InDelta(t, 1.0, ra.Score, 1e-9)
	assert.Equal(t, 3, ra.Matched)

	rb := corpus.Score(b)
	assert.Equal(t, 0.0, rb.Score)
	assert.Equal(t, 0, rb.Matched)
}

func TestLexical_MinimalDocumentWithPhrase(t *testing.T) {
	tax := skillsTaxonomy([]string{"machine learning", "go"}, nil)
	minimal := textnorm.BagOf("Machine learning, Go")
	other := textnorm.BagOf("rust kubernetes terraform aws")

	corpus := NewLexical(tax, DefaultLexicalParams()).Fit([]types.TokenBag{minimal, other})
	assert.InDelta(t, 1.0, corpus.Score(minimal).Score, 1e-9)
	assert.Equal(t, 0.0, corpus.Score(other).Score)
}

func TestLexical_ConjunctiveMatch(t *testing.T) {
	tax := skillsTaxonomy([]string{"machine learning"}, nil)
	partial := textnorm.BagOf("machine vision engineer")

	corpus := NewLexical(tax, DefaultLexicalParams()).Fit([]types.TokenBag{partial})
	res := corpus.Score(partial)
	assert.Equal(t, 0, res.Matched)
	assert.Equal(t, 0.0, res.Score)
}

func TestLexical_RequiredOutweighsPreferred(t *testing.T) {
	tax := skillsTaxonomy([]string{"python"}, []string{"docker"})
	c := textnorm.BagOf("python java")
	d := textnorm.BagOf("docker java")

	corpus := NewLexical(tax, DefaultLexicalParams()).Fit([]types.TokenBag{c, d})
	sc, sd := corpus.Score(c).Score, corpus.Score(d).Score
	assert.Greater(t, sc, sd)
	assert.InDelta(t, 2.0/3.0, sc, 1e-9)
	assert.InDelta(t, 1.0/3.0, sd, 1e-9)
}

func TestLexical_DependsOnPool(t *testing.T) {
	tax := skillsTaxonomy([]string{"python", "docker"}, nil)
	x := textnorm.BagOf("python")
	lex := NewLexical(tax, DefaultLexicalParams())

	small := lex.Fit([]types.TokenBag{x, textnorm.BagOf("docker")})
	large := lex.Fit([]types.TokenBag{
		x,
		textnorm.BagOf("python java"),
		textnorm.BagOf("python go"),
		textnorm.BagOf("docker"),
	})

	assert.InDelta(t, 0.5, small.Score(x).Score, 1e-9)
	assert.Less(t, large.Score(x).Score, small.Score(x).Score, "python在池中越常见，权重越低")
}

func TestLexical_LongDocumentIsDiluted(t *testing.T) {
	tax := skillsTaxonomy([]string{"python", "sql"}, []string{"docker"})
	minimal := textnorm.BagOf("python sql docker")
	long := textnorm.BagOf("python sql docker plus a long list of unrelated words about team work, communication, " +
		"leadership, hiking, photography, cooking and travelling across many countries over many years")

	corpus := NewLexical(tax, DefaultLexicalParams()).Fit([]types.TokenBag{minimal, long})
	ls := corpus.Score(long)
	assert.Equal(t, 3, ls.Matched)
	assert.Greater(t, ls.Score, 0.0)
	assert.Less(t, ls.Score, 1.0)
	assert.Greater(t, corpus.Score(minimal).Score, ls.Score)
}

func TestLexical_NoScoringKeywords(t *testing.T) {
	tax := &types.KeywordTaxonomy{
		Required: map[types.Category][]string{types.CategoryDomainKnowledge: {"fintech"}},
	}
	bag := textnorm.BagOf("fintech")
	lex := NewLexical(tax, DefaultLexicalParams())
	assert.Empty(t, lex.Keywords(), "附加类别不参与计分")

	res := lex.Fit([]types.TokenBag{bag}).Score(bag)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, 0, res.Matched)
}

func TestLexical_EmptyPool(t *testing.T) {
	tax := skillsTaxonomy([]string{"python"}, nil)
	corpus := NewLexical(tax, DefaultLexicalParams()).Fit(nil)
	res := corpus.Score(textnorm.BagOf("python"))
	assert.Equal(t, 1, res.Matched)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
}

func TestScoringKeywords_DedupKeepsHighestWeight(t *testing.T) {
	tax := &types.KeywordTaxonomy{
		Required: map[types.Category][]string{types.CategoryHardSkills: {"python"}},
		Preferred: map[types.Category][]string{
			types.CategoryToolsAndPlatforms: {"python", "aws"},
			types.CategoryQualifications:    {"!!!"},
		},
	}
	kws := ScoringKeywords(tax, DefaultRoleWeights())
	require.Len(t, kws, 2)

	assert.Equal(t, "aws", kws[0].Text)
	assert.False(t, kws[0].Required)
	assert.Equal(t, 1.0, kws[0].Weight)

	assert.Equal(t, "python", kws[1].Text)
	assert.True(t, kws[1].Required)
	assert.Equal(t, 2.0, kws[1].Weight)
}

func TestMatches(t *testing.T) {
	bag := textnorm.BagOf("senior machine learning engineer, c++")
	assert.True(t, MatchesKeyword(bag, "machine learning"))
	assert.True(t, MatchesKeyword(bag, "Learning Machine"))
	assert.True(t, MatchesKeyword(bag, "C++"))
	assert.False(t, MatchesKeyword(bag, "deep learning"))
	assert.False(t, Matches(bag, nil))
}
