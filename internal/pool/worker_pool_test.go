package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsAllTasksBeforeStop(t *testing.T) {
	p := NewWorkerPool(3, 10, zap.NewNop())
	p.Start(context.Background())

	var done int32
	for i := 0; i < 20; i++ {
		assert.True(t, p.Submit(func(ctx context.Context) {
			atomic.AddInt32(&done, 1)
		}))
	}
	p.Stop()

	assert.Equal(t, int32(20), atomic.LoadInt32(&done))
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, 2, zap.NewNop())
	p.Start(context.Background())

	var done int32
	p.Submit(func(ctx context.Context) { panic("boom") })
	p.Submit(func(ctx context.Context) { atomic.AddInt32(&done, 1) })
	p.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.False(t, p.Submit(func(ctx context.Context) {}))
	assert.False(t, p.TrySubmit(func(ctx context.Context) {}))
}

func TestWorkerPool_TrySubmitFullQueue(t *testing.T) {
	// 未启动的协程池不会消费队列
	p := NewWorkerPool(1, 1, nil)

	assert.True(t, p.TrySubmit(func(ctx context.Context) {}))
	assert.False(t, p.TrySubmit(func(ctx context.Context) {}))
}
