package models

import (
	"time"

	"gorm.io/datatypes"
)

// ResumeRecord 已入库简历，按内容指纹去重
type ResumeRecord struct {
	Fingerprint    string         `gorm:"type:char(32);primaryKey"`
	SourceID       string         `gorm:"type:varchar(255);index:idx_resume_source_id"`
	Source         string         `gorm:"type:varchar(100)"`
	CandidateName  string         `gorm:"type:varchar(255)"`
	CurrentTitle   string         `gorm:"type:varchar(255)"`
	Summary        string         `gorm:"type:text"`
	RawText        string         `gorm:"type:mediumtext;not null"`
	TokensJSON     datatypes.JSON `gorm:"type:json"` // 规范化后的去重词表
	ContactJSON    datatypes.JSON `gorm:"type:json"`
	EmbeddingModel string         `gorm:"type:varchar(100)"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_resume_created_at"`
	UpdatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (ResumeRecord) TableName() string {
	return "resume_records"
}

// MatchRun 一次匹配请求的审计记录
type MatchRun struct {
	RunID          string         `gorm:"type:char(36);primaryKey"`
	JDFingerprint  string         `gorm:"type:char(32);index:idx_match_runs_jd"`
	TaxonomyJSON   datatypes.JSON `gorm:"type:json"`
	PoolSize       int            `gorm:"not null"`
	TopK           int            `gorm:"not null"`
	ResultCount    int            `gorm:"not null"`
	ResultsJSON    datatypes.JSON `gorm:"type:json"` // [{fingerprint, hybrid, lexical, semantic}]
	LexicalWeight  float64        `gorm:"type:double"`
	SemanticWeight float64        `gorm:"type:double"`
	SemanticTarget string         `gorm:"type:varchar(32)"`
	DurationMillis int64          `gorm:"type:bigint"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_match_runs_created_at"`
}

func (MatchRun) TableName() string {
	return "match_runs"
}
