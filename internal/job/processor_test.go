package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ManimMCP-Render/internal/artifact"
	xerrors "ManimMCP-Render/internal/errors"
	"ManimMCP-Render/internal/sandbox"
)

type fakeRenderer struct {
	rendered atomic.Int32
	latency  time.Duration
	fail     func(attempt int32) error
	block    bool
}

func (f *fakeRenderer) Render(ctx context.Context, req sandbox.RenderRequest) (*sandbox.RenderReport, error) {
	if f.block {
		<-ctx.Done()
		return nil, xerrors.Wrap(sandbox.CodeRenderCanceled, ctx.Err(), "渲染被取消")
	}
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, xerrors.Wrap(sandbox.CodeRenderCanceled, ctx.Err(), "渲染被取消")
		}
	}
	attempt := f.rendered.Add(1)
	if f.fail != nil {
		if err := f.fail(attempt); err != nil {
			return nil, err
		}
	}
	return &sandbox.RenderReport{
		Artifact:   &artifact.Ref{Hash: "deadbeef", Size: 1024},
		ExitCode:   0,
		DurationMS: f.latency.Milliseconds(),
	}, nil
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	renderer := &fakeRenderer{latency: 5 * time.Millisecond}

	svc := NewService(store, queue, Limits{WallTimeMS: 30_000})
	processor := NewProcessor(renderer, store, queue, queue, WithWorkerCount(8))
	startProcessor(t, ctx, processor)

	total := 100
	for i := 0; i < total; i++ {
		if _, err := svc.Submit(ctx, SubmitRequest{Script: fmt.Sprintf("# job %d\nfrom manim import *", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == int64(total) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time: %+v", stats)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func waitForTerminal(t *testing.T, store Store, id string) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s not terminal, status %s", id, job.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorMapsTimeoutStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &fakeRenderer{fail: func(int32) error {
		return xerrors.New(xerrors.CodeTimeout, "渲染超出墙钟上限")
	}}

	svc := NewService(store, queue, Limits{WallTimeMS: 10})
	processor := NewProcessor(renderer, store, queue, queue)
	startProcessor(t, ctx, processor)

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, store, job.ID)
	if final.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", final.Status)
	}
	if final.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected error code %q", final.ErrorCode)
	}
}

func TestProcessorRetriesInfraFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &fakeRenderer{fail: func(attempt int32) error {
		if attempt == 1 {
			return xerrors.New(sandbox.CodeSandboxInternal, "容器启动失败")
		}
		return nil
	}}

	svc := NewService(store, queue, Limits{WallTimeMS: 30_000})
	processor := NewProcessor(renderer, store, queue, queue)
	startProcessor(t, ctx, processor)

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *", MaxRetries: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, store, job.ID)
	if final.Status != StatusSucceeded {
		t.Fatalf("expected success after retry, got %s (%s)", final.Status, final.LastError)
	}
	if final.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", final.Attempts)
	}
}

func TestProcessorRetryIsOptIn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &fakeRenderer{fail: func(int32) error {
		return xerrors.New(sandbox.CodeSandboxInternal, "容器启动失败")
	}}

	svc := NewService(store, queue, Limits{WallTimeMS: 30_000})
	processor := NewProcessor(renderer, store, queue, queue)
	startProcessor(t, ctx, processor)

	// 默认 max_retries 为 0：基础设施失败也只执行一次。
	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, store, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", final.Attempts)
	}
}

func TestProcessorScriptFailureNotRetried(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &fakeRenderer{fail: func(int32) error {
		return xerrors.New(sandbox.CodeExecutionFailed, "NameError: name 'Circl' is not defined")
	}}

	svc := NewService(store, queue, Limits{WallTimeMS: 30_000})
	processor := NewProcessor(renderer, store, queue, queue)
	startProcessor(t, ctx, processor)

	// 脚本自身的失败即便申请了重试也不重跑。
	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *", MaxRetries: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, store, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", final.Attempts)
	}
	if final.ErrorCode != string(sandbox.CodeExecutionFailed) {
		t.Fatalf("unexpected error code %q", final.ErrorCode)
	}
}

func TestProcessorCancelRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &fakeRenderer{block: true}

	processor := NewProcessor(renderer, store, queue, queue)
	svc := NewService(store, queue, Limits{WallTimeMS: 60_000}, WithRunningCanceler(processor))
	startProcessor(t, ctx, processor)

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 等待任务进入运行态。
	deadline := time.After(5 * time.Second)
	for {
		current, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Status == StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never started, status %s", current.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitForTerminal(t, store, job.ID)
	if final.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", final.Status)
	}
}

// sequenceRenderer 记录渲染开始的任务顺序。
type sequenceRenderer struct {
	mu    sync.Mutex
	order []string
}

func (r *sequenceRenderer) Render(_ context.Context, req sandbox.RenderRequest) (*sandbox.RenderReport, error) {
	r.mu.Lock()
	r.order = append(r.order, req.JobID)
	r.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return &sandbox.RenderReport{
		Artifact: &artifact.Ref{Hash: "deadbeef", Size: 1024},
	}, nil
}

func TestProcessorSingleWorkerDispatchIsFIFO(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	renderer := &sequenceRenderer{}

	svc := NewService(store, queue, Limits{WallTimeMS: 30_000})

	// 先提交再启动消费，保证三个任务同时在队列中等待调度。
	var submitted []string
	for i := 0; i < 3; i++ {
		job, err := svc.Submit(ctx, SubmitRequest{Script: fmt.Sprintf("# scene %d\nfrom manim import *", i)})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		submitted = append(submitted, job.ID)
	}

	processor := NewProcessor(renderer, store, queue, queue, WithWorkerCount(1))
	startProcessor(t, ctx, processor)

	var last *Job
	for _, id := range submitted {
		last = waitForTerminal(t, store, id)
		if last.Status != StatusSucceeded {
			t.Fatalf("job %s status %s", id, last.Status)
		}
	}

	renderer.mu.Lock()
	order := append([]string(nil), renderer.order...)
	renderer.mu.Unlock()
	if len(order) != len(submitted) {
		t.Fatalf("渲染次数不符: %d", len(order))
	}
	for i, id := range submitted {
		if order[i] != id {
			t.Fatalf("单工作协程下派发必须保持提交顺序: 第 %d 个应为 %s, 实际 %s", i, id, order[i])
		}
	}

	// 提交时间戳与开始时间戳同样保持先后关系。
	for i := 1; i < len(submitted); i++ {
		prev, err := store.Get(ctx, submitted[i-1])
		if err != nil {
			t.Fatal(err)
		}
		next, err := store.Get(ctx, submitted[i])
		if err != nil {
			t.Fatal(err)
		}
		if next.StartedAt < prev.StartedAt {
			t.Fatalf("后提交的任务不应先开始: %d < %d", next.StartedAt, prev.StartedAt)
		}
	}
}
