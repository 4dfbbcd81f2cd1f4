package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	t.Run("停止前执行完队列中的任务", func(t *testing.T) {
		p := NewWorkerPool(2, 16, nil)
		p.Start(context.Background())

		var done atomic.Int32
		for i := 0; i < 10; i++ {
			assert.True(t, p.Submit(func() { done.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int32(10), done.Load())
	})

	t.Run("队列已满时TrySubmit返回false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		// 未启动工作协程，队列不会被消费
		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
		assert.Equal(t, 1, p.Pending())
	})

	t.Run("停止后拒绝提交", func(t *testing.T) {
		p := NewWorkerPool(1, 4, nil)
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.False(t, p.TrySubmit(func() {}))
		assert.False(t, p.Submit(func() {}))
	})

	t.Run("任务panic不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 4, nil)
		var panics, done atomic.Int32
		p.OnPanic = func(any) { panics.Add(1) }
		p.Start(context.Background())

		p.Submit(func() { panic("boom") })
		p.Submit(func() { done.Add(1) })
		p.Stop()

		assert.Equal(t, int32(1), panics.Load())
		assert.Equal(t, int32(1), done.Load())
	})
}
