package outbox

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"resume-matcher/internal/storage/models"
)

// BatchFunc 处理一批已领取的消息；save 持久化对单条消息的修改
type BatchFunc func(ctx context.Context, messages []models.OutboxMessage, save func(*models.OutboxMessage) error) error

// Store 发件箱存储。WithPending 领取至多 limit 条待发布消息交给 fn，
// fn 返回错误时本批修改全部丢弃
type Store interface {
	WithPending(ctx context.Context, limit int, fn BatchFunc) error
}

// GormStore 基于 MySQL 行锁的发件箱存储
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithPending 在一个事务中领取并处理消息
func (s *GormStore) WithPending(ctx context.Context, limit int, fn BatchFunc) error {
	var messages []models.OutboxMessage

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	// SKIP LOCKED 让多个实例各自领取不同的消息
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return err
	}
	if len(messages) > 0 {
		save := func(msg *models.OutboxMessage) error { return tx.Save(msg).Error }
		if err := fn(ctx, messages, save); err != nil {
			return err
		}
	}
	return tx.Commit().Error
}
