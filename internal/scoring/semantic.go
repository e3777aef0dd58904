package scoring

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyVector 向量为空
var ErrEmptyVector = errors.New("向量为空")

// DimensionMismatchError 两个向量维度不同，通常意味着embedding模型版本不一致
type DimensionMismatchError struct {
	Left  int
	Right int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("向量维度不一致: %d != %d", e.Left, e.Right)
}

// Cosine 余弦相似度；任一向量范数为0时返回0
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Left: len(a), Right: len(b)}
	}
	if len(a) == 0 {
		return 0, ErrEmptyVector
	}

	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, cos)), nil
}

// Similarity 语义得分：余弦相似度从[-1,1]映射到[0,1]
func Similarity(a, b []float64) (float64, error) {
	cos, err := Cosine(a, b)
	if err != nil {
		return 0, err
	}
	return clamp01((cos + 1) / 2), nil
}
