package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"resume-matcher/internal/ranking"
	"resume-matcher/internal/storage"
	"resume-matcher/internal/storage/models"
	"resume-matcher/internal/types"
)

// RunRecord 一次完成的匹配
type RunRecord struct {
	RunID          string
	JDFingerprint  string
	Taxonomy       *types.KeywordTaxonomy
	PoolSize       int
	TopK           int
	Results        []types.MatchResult
	Weights        ranking.Weights
	SemanticTarget string
	Duration       time.Duration
	CompletedAt    time.Time
}

// Recorder 记录匹配审计和完成事件
type Recorder interface {
	RecordRun(ctx context.Context, run *RunRecord) error
}

// Event 构建匹配完成事件
func (r *RunRecord) Event() storage.MatchCompletedEvent {
	results := make([]storage.MatchedCandidate, 0, len(r.Results))
	for _, res := range r.Results {
		results = append(results, storage.MatchedCandidate{
			Fingerprint:   res.Fingerprint,
			CandidateName: res.CandidateName,
			HybridScore:   res.HybridScore,
			LexicalScore:  res.LexicalScore,
			SemanticScore: res.SemanticScore,
		})
	}
	return storage.MatchCompletedEvent{
		RunID:         r.RunID,
		JDFingerprint: r.JDFingerprint,
		PoolSize:      r.PoolSize,
		TopK:          r.TopK,
		ResultCount:   len(r.Results),
		Results:       results,
		DurationMS:    r.Duration.Milliseconds(),
		CompletedAt:   r.CompletedAt,
	}
}

// RunStore 由 storage.MySQL 实现
type RunStore interface {
	SaveMatchRun(ctx context.Context, run *models.MatchRun, event *models.OutboxMessage) error
}

// AuditRecorder 写入匹配审计行；配置了交换机时在同一事务中写入待发布事件
type AuditRecorder struct {
	store      RunStore
	exchange   string
	routingKey string
}

// NewAuditRecorder exchange 为空时只写审计行
func NewAuditRecorder(store RunStore, exchange, routingKey string) *AuditRecorder {
	return &AuditRecorder{store: store, exchange: exchange, routingKey: routingKey}
}

// RecordRun 写入审计记录
func (a *AuditRecorder) RecordRun(ctx context.Context, run *RunRecord) error {
	event := run.Event()
	taxJSON, err := json.Marshal(run.Taxonomy)
	if err != nil {
		return fmt.Errorf("序列化关键词分类失败: %w", err)
	}
	resultsJSON, err := json.Marshal(event.Results)
	if err != nil {
		return fmt.Errorf("序列化匹配结果失败: %w", err)
	}

	row := &models.MatchRun{
		RunID:          run.RunID,
		JDFingerprint:  run.JDFingerprint,
		TaxonomyJSON:   datatypes.JSON(taxJSON),
		PoolSize:       run.PoolSize,
		TopK:           run.TopK,
		ResultCount:    len(run.Results),
		ResultsJSON:    datatypes.JSON(resultsJSON),
		LexicalWeight:  run.Weights.Lexical,
		SemanticWeight: run.Weights.Semantic,
		SemanticTarget: run.SemanticTarget,
		DurationMillis: run.Duration.Milliseconds(),
		CreatedAt:      run.CompletedAt,
	}

	var msg *models.OutboxMessage
	if a.exchange != "" {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化匹配事件失败: %w", err)
		}
		msg = &models.OutboxMessage{
			AggregateID:      run.RunID,
			EventType:        storage.EventTypeMatchCompleted,
			Payload:          string(payload),
			TargetExchange:   a.exchange,
			TargetRoutingKey: a.routingKey,
			Status:           models.OutboxStatusPending,
		}
	}
	return a.store.SaveMatchRun(ctx, row, msg)
}

// EventPublisher 由 storage.RabbitMQ 实现
type EventPublisher interface {
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// PublishRecorder 没有MySQL时直接发布完成事件
type PublishRecorder struct {
	publisher  EventPublisher
	exchange   string
	routingKey string
}

// NewPublishRecorder 创建直接发布的记录器
func NewPublishRecorder(p EventPublisher, exchange, routingKey string) *PublishRecorder {
	return &PublishRecorder{publisher: p, exchange: exchange, routingKey: routingKey}
}

// RecordRun 发布完成事件
func (p *PublishRecorder) RecordRun(ctx context.Context, run *RunRecord) error {
	return p.publisher.PublishJSON(ctx, p.exchange, p.routingKey, run.Event(), true)
}

var (
	_ Recorder = (*AuditRecorder)(nil)
	_ Recorder = (*PublishRecorder)(nil)
)
