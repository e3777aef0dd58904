package scoring

import (
	"math"

	"resume-matcher/internal/types"
)

// LexicalParams BM25参数与角色权重
type LexicalParams struct {
	K1      float64
	B       float64
	Weights RoleWeights
}

// DefaultLexicalParams k1=1.2, b=0.75, 必需:优先=2:1
func DefaultLexicalParams() LexicalParams {
	return LexicalParams{K1: 1.2, B: 0.75, Weights: DefaultRoleWeights()}
}

// Lexical 针对一个关键词分类的词法打分器
type Lexical struct {
	params   LexicalParams
	keywords []Keyword
	dlMin    int // 最小文档长度：每个计分词恰好出现一次
}

// NewLexical 根据分类构建打分器
func NewLexical(tax *types.KeywordTaxonomy, params LexicalParams) *Lexical {
	keywords := ScoringKeywords(tax, params.Weights)
	return &Lexical{
		params:   params,
		keywords: keywords,
		dlMin:    len(DistinctTokens(keywords)),
	}
}

// Keywords 展开后的计分关键词
func (l *Lexical) Keywords() []Keyword {
	return l.keywords
}

// Corpus 在简历池上统计出的文档频率，构建后只读，可被多个goroutine并发使用
type Corpus struct {
	lex         *Lexical
	n           int
	avgDL       float64
	df          map[string]int
	kwWeights   []float64 // 与 lex.keywords 一一对应
	totalWeight float64
}

// Fit 第一阶段：顺序遍历简历池，统计计分词的文档频率和平均文档长度
func (l *Lexical) Fit(docs []types.TokenBag) *Corpus {
	c := &Corpus{
		lex: l,
		n:   len(docs),
		df:  make(map[string]int),
	}

	vocab := DistinctTokens(l.keywords)
	totalLen := 0
	for _, doc := range docs {
		totalLen += doc.Length()
		for t := range vocab {
			if doc.Has(t) {
				c.df[t]++
			}
		}
	}
	if c.n > 0 {
		c.avgDL = float64(totalLen) / float64(c.n)
	}
	if c.avgDL <= 0 {
		c.avgDL = 1
	}

	c.kwWeights = make([]float64, len(l.keywords))
	for i, k := range l.keywords {
		sum := 0.0
		for _, t := range k.Tokens {
			sum += c.idf(t)
		}
		c.kwWeights[i] = k.Weight * sum / float64(len(k.Tokens))
		c.totalWeight += c.kwWeights[i]
	}
	return c
}

// idf BM25+风格的逆文档频率，恒大于0
func (c *Corpus) idf(token string) float64 {
	df := float64(c.df[token])
	n := float64(c.n)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// tfc 词频饱和项
func (c *Corpus) tfc(tf, dl float64) float64 {
	k1, b := c.lex.params.K1, c.lex.params.B
	return tf * (k1 + 1) / (tf + k1*(1-b+b*dl/c.avgDL))
}

// LexicalResult 单份简历的词法得分
type LexicalResult struct {
	Score   float64 // [0,1]
	Matched int     // 命中的计分关键词数
}

// Score 第二阶段：计算单份简历的词法得分。
// 每个命中关键词的贡献按最小文档归一化并截断到1，再按关键词权重加权平均。
func (c *Corpus) Score(bag types.TokenBag) LexicalResult {
	if len(c.lex.keywords) == 0 || c.totalWeight <= 0 {
		return LexicalResult{}
	}

	dl := float64(bag.Length())
	ref := c.tfc(1, float64(c.lex.dlMin))

	var res LexicalResult
	sum := 0.0
	for i, k := range c.lex.keywords {
		if !Matches(bag, k.Tokens) {
			continue
		}
		res.Matched++
		s := 0.0
		for _, t := range k.Tokens {
			s += math.Min(1, c.tfc(float64(bag[t]), dl)/ref)
		}
		sum += c.kwWeights[i] * s / float64(len(k.Tokens))
	}

	res.Score = clamp01(sum / c.totalWeight)
	return res
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
