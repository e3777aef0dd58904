package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-matcher/internal/storage/models"
)

// memStore 以内存切片模拟发件箱表；fn 出错时丢弃本批修改
type memStore struct {
	mu      sync.Mutex
	rows    []models.OutboxMessage
	saveErr error
}

func (s *memStore) WithPending(ctx context.Context, limit int, fn BatchFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []models.OutboxMessage
	for _, row := range s.rows {
		if row.Status == models.OutboxStatusPending && len(batch) < limit {
			batch = append(batch, row)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	staged := map[uint64]models.OutboxMessage{}
	save := func(msg *models.OutboxMessage) error {
		if s.saveErr != nil {
			return s.saveErr
		}
		staged[msg.ID] = *msg
		return nil
	}
	if err := fn(ctx, batch, save); err != nil {
		return err
	}
	for i := range s.rows {
		if m, ok := staged[s.rows[i].ID]; ok {
			s.rows[i] = m
		}
	}
	return nil
}

func (s *memStore) row(id uint64) models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return r
		}
	}
	return models.OutboxMessage{}
}

type published struct {
	exchange, routingKey, payload string
}

// stubPublisher 按路由键决定是否失败
type stubPublisher struct {
	mu      sync.Mutex
	failFor map[string]error
	sent    []published
}

func (p *stubPublisher) PublishMessage(_ context.Context, exchange, routingKey string, message []byte, persistent bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[routingKey]; err != nil {
		return err
	}
	if !persistent {
		return errors.New("发件箱消息必须持久化")
	}
	p.sent = append(p.sent, published{exchange, routingKey, string(message)})
	return nil
}

func pending(id uint64, routingKey string, retries int) models.OutboxMessage {
	return models.OutboxMessage{
		ID:               id,
		AggregateID:      "run-1",
		EventType:        "MatchCompleted",
		Payload:          `{"run_id":"run-1"}`,
		TargetExchange:   "match.events",
		TargetRoutingKey: routingKey,
		Status:           models.OutboxStatusPending,
		RetryCount:       retries,
	}
}

func TestProcessPending_MarksSent(t *testing.T) {
	store := &memStore{rows: []models.OutboxMessage{pending(1, "match.completed", 0)}}
	pub := &stubPublisher{}
	relay := NewMessageRelay(store, pub)

	n, err := relay.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := store.row(1)
	assert.Equal(t, models.OutboxStatusSent, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []published{{"match.events", "match.completed", `{"run_id":"run-1"}`}}, pub.sent)

	n, err = relay.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "已发送的消息不应再次领取")
}

func TestProcessPending_RetryThenFail(t *testing.T) {
	store := &memStore{rows: []models.OutboxMessage{
		pending(1, "broken", 0),
		pending(2, "broken", maxRetryCount-1),
		pending(3, "match.completed", 0),
	}}
	pub := &stubPublisher{failFor: map[string]error{"broken": errors.New("channel closed")}}
	relay := NewMessageRelay(store, pub)

	n, err := relay.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first := store.row(1)
	assert.Equal(t, models.OutboxStatusPending, first.Status, "未达上限时保持待发布")
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, "channel closed", first.ErrorMessage)
	assert.Nil(t, first.ProcessedAt)

	last := store.row(2)
	assert.Equal(t, models.OutboxStatusFailed, last.Status)
	assert.Equal(t, maxRetryCount, last.RetryCount)

	assert.Equal(t, models.OutboxStatusSent, store.row(3).Status, "同批其他消息不受影响")
}

func TestProcessPending_ExhaustsRetries(t *testing.T) {
	store := &memStore{rows: []models.OutboxMessage{pending(1, "broken", 0)}}
	pub := &stubPublisher{failFor: map[string]error{"broken": errors.New("nack")}}
	relay := NewMessageRelay(store, pub)

	for i := 0; i < maxRetryCount; i++ {
		n, err := relay.ProcessPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n, "第 %d 轮", i+1)
	}
	got := store.row(1)
	assert.Equal(t, models.OutboxStatusFailed, got.Status)
	assert.Equal(t, maxRetryCount, got.RetryCount)

	n, err := relay.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "失败的消息不再重试")
}

func TestProcessPending_SaveErrorDiscardsBatch(t *testing.T) {
	saveErr := errors.New("deadlock")
	store := &memStore{rows: []models.OutboxMessage{pending(1, "match.completed", 0)}, saveErr: saveErr}
	relay := NewMessageRelay(store, &stubPublisher{})

	n, err := relay.ProcessPending(context.Background())
	require.ErrorIs(t, err, saveErr)
	assert.Zero(t, n)
	assert.Equal(t, models.OutboxStatusPending, store.row(1).Status)
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	store := &memStore{rows: []models.OutboxMessage{pending(1, "match.completed", 0)}}
	relay := NewMessageRelay(store, &stubPublisher{}, WithPollingInterval(10*time.Millisecond), WithBatchSize(5))
	assert.Equal(t, 5, relay.batchSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return store.row(1).Status == models.OutboxStatusSent
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run 未在取消后退出")
	}
}
