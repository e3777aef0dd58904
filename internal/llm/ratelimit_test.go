package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AllowUntilEmpty(t *testing.T) {
	tb := NewTokenBucket(60, 2)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(1, 1) // 每分钟一个令牌
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestRetryWithBackoff(t *testing.T) {
	tb := NewTokenBucket(6000, 10).WithRetryPolicy(time.Millisecond, 2)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return errors.New("invalid api key")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "不可重试的错误只调用一次")

	calls = 0
	err = tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

type countingModel struct {
	calls int
}

func (c *countingModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	c.calls++
	return schema.AssistantMessage("ok", nil), nil
}

func (c *countingModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, ErrStreamNotSupported
}

func (c *countingModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return c, nil
}

func TestNewWithRateLimit(t *testing.T) {
	inner := &countingModel{}
	limited := NewWithRateLimit(inner, "qwen-plus", map[string]int{"qwen-plus": 15000}, 0, 0, time.Millisecond)

	for i := 0; i < 3; i++ {
		msg, err := limited.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
		require.NoError(t, err)
		assert.Equal(t, "ok", msg.Content)
	}
	assert.Equal(t, 3, inner.calls)

	rl := limited.(*RateLimitedModel)
	assert.InDelta(t, 15000*0.9/60.0, rl.limiter.rate, 1e-9)

	bound, err := limited.WithTools(nil)
	require.NoError(t, err)
	assert.Same(t, rl.limiter, bound.(*RateLimitedModel).limiter)
}
