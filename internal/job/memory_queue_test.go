package job

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryQueuePublishFull(t *testing.T) {
	queue := NewMemoryQueue(2)
	defer queue.Close()

	ctx := context.Background()
	if err := queue.Publish(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := queue.Publish(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := queue.Publish(ctx, "c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("队列满时应当返回 ErrQueueFull, 实际: %v", err)
	}
	if queue.Depth() != 2 {
		t.Fatalf("队列深度不符: %d", queue.Depth())
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Close(); err != nil {
		t.Fatal(err)
	}
	if err := queue.Publish(context.Background(), "a"); err == nil {
		t.Fatal("关闭后的投递应当返回错误")
	}
	// 重复关闭是幂等的。
	if err := queue.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryQueueConcurrentPublishAndClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		queue := NewMemoryQueue(8)
		ctx := context.Background()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					// 关闭后的投递返回错误即可，绝不允许 panic。
					_ = queue.Publish(ctx, "job")
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = queue.Close()
		}()
		wg.Wait()
	}
}
