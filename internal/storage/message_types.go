package storage

import "time"

// EventTypeMatchCompleted 匹配完成事件类型
const EventTypeMatchCompleted = "match.completed"

// ResumeParsedMessage 上游解析服务发布的简历文本就绪消息
type ResumeParsedMessage struct {
	SubmissionUUID    string `json:"submission_uuid"`
	ParsedTextPathOSS string `json:"parsed_text_path_oss,omitempty"` // 解析文本在MinIO中的路径
	ParsedText        string `json:"parsed_text,omitempty"`          // 不经对象存储直接携带的文本
	SourceChannel     string `json:"source_channel,omitempty"`
}

// MatchedCandidate 匹配完成事件中的单个结果
type MatchedCandidate struct {
	Fingerprint   string  `json:"fingerprint"`
	CandidateName string  `json:"candidate_name,omitempty"`
	HybridScore   float64 `json:"hybrid_score"`
	LexicalScore  float64 `json:"lexical_score"`
	SemanticScore float64 `json:"semantic_score"`
}

// MatchCompletedEvent 一次匹配完成后发布的事件
type MatchCompletedEvent struct {
	RunID         string             `json:"run_id"`
	JDFingerprint string             `json:"jd_fingerprint"`
	PoolSize      int                `json:"pool_size"`
	TopK          int                `json:"top_k"`
	ResultCount   int                `json:"result_count"`
	Results       []MatchedCandidate `json:"results"`
	DurationMS    int64              `json:"duration_ms"`
	CompletedAt   time.Time          `json:"completed_at"`
}
