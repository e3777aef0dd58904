package constants

import "time"

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "rm"

	// EmbeddingModulePrefix 向量模块
	EmbeddingModulePrefix = "embedding"
	// TaxonomyModulePrefix 关键词分类模块
	TaxonomyModulePrefix = "taxonomy"
	// ResumeModulePrefix 简历模块
	ResumeModulePrefix = "resume"

	// EntityVector 向量实体
	EntityVector = "vector"
	// EntityJD JD关键词实体
	EntityJD = "jd"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyEmbeddingVector 内容指纹对应的向量缓存 (HASH: vector, model_version)
	// 格式: rm:embedding:vector:{fingerprint}
	KeyEmbeddingVector = AppPrefix + ":" + EmbeddingModulePrefix + ":" + EntityVector + ":%s"

	// KeyTaxonomyByJD JD文本指纹对应的关键词分类缓存 (STRING, JSON)
	// 格式: rm:taxonomy:jd:{jdFingerprint}
	KeyTaxonomyByJD = AppPrefix + ":" + TaxonomyModulePrefix + ":" + EntityJD + ":%s"

	// KeyResumeFingerprintSet 已入库简历指纹集合，用于快速去重 (SET)
	// 格式: rm:resume:dedup_set
	KeyResumeFingerprintSet = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityDedupSet

	// KeyResumeIngestLock 单个指纹的入库锁 (STRING)
	// 格式: rm:resume:lock:{fingerprint}
	KeyResumeIngestLock = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityLock + ":%s"
)

const (
	// EmbeddingCacheDuration Redis向量缓存时长
	EmbeddingCacheDuration = 7 * 24 * time.Hour
	// IngestLockDuration 入库锁的持有时长
	IngestLockDuration = 30 * time.Second
)
