package types

import "time"

// TokenBag 归一化后的词频多重集
type TokenBag map[string]int

// Has 是否包含该词
func (b TokenBag) Has(token string) bool {
	return b[token] > 0
}

// Length 文档长度（词数，含重复）
func (b TokenBag) Length() int {
	n := 0
	for _, c := range b {
		n += c
	}
	return n
}

// Contact 简历中的联系方式
type Contact struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
	GitHub   string `json:"github,omitempty"`
	Website  string `json:"website,omitempty"`
}

// Resume 已入库的简历；创建后不再修改。Fingerprint 是去重键，也是对外标识。
type Resume struct {
	Fingerprint    string    `json:"fingerprint"`
	SourceID       string    `json:"source_id,omitempty"` // 上游提交ID，例如submission_uuid
	Source         string    `json:"source,omitempty"`    // 入库渠道: api / mq / cli
	RawText        string    `json:"raw_text,omitempty"`
	Tokens         TokenBag  `json:"tokens,omitempty"`
	Embedding      []float64 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	CandidateName  string    `json:"candidate_name,omitempty"`
	CurrentTitle   string    `json:"current_title,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Contact        Contact   `json:"contact"`
	CreatedAt      time.Time `json:"created_at"`
}
