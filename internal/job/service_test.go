package job

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
)

type denyAllValidator struct{}

func (denyAllValidator) Validate(string) error {
	return xerrors.New(CodeValidation, "脚本包含被禁止的模式")
}

func newTestService(t *testing.T, queueSize int, opts ...ServiceOption) (*Service, *MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(queueSize)
	defaults := Limits{WallTimeMS: 30_000, MemoryMB: 512, OutputMaxBytes: 64 << 20, LogMaxBytes: 64 << 10}
	return NewService(store, queue, defaults, opts...), store, queue
}

func TestServiceSubmitValidation(t *testing.T) {
	svc, store, _ := newTestService(t, 8)
	ctx := context.Background()

	cases := []SubmitRequest{
		{Script: "   "},
		{Script: "from manim import *", Quality: "x"},
		{Script: "from manim import *", Scene: "9bad"},
		{Script: "from manim import *", MaxRetries: -1},
	}
	for i, req := range cases {
		if _, err := svc.Submit(ctx, req); xerrors.CodeOf(err) != CodeValidation {
			t.Fatalf("case %d: expected validation failure, got %v", i, err)
		}
	}

	// 校验失败不得留下任务记录。
	jobs, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs after rejected submissions, got %d", len(jobs))
	}
}

func TestServiceSubmitUsesValidator(t *testing.T) {
	svc, _, _ := newTestService(t, 8, WithValidator(denyAllValidator{}))
	_, err := svc.Submit(context.Background(), SubmitRequest{Script: "import os"})
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("expected validator rejection, got %v", err)
	}
}

func TestServiceSubmitDefaults(t *testing.T) {
	svc, _, queue := newTestService(t, 8)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *", Quality: "h", Scene: "Intro"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.ID == "" || !strings.Contains(job.ID, "-") {
		t.Fatalf("expected uuid id, got %q", job.ID)
	}
	if job.Limits.WallTimeMS != 30_000 || job.Limits.MemoryMB != 512 {
		t.Fatalf("expected server limits on job, got %+v", job.Limits)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected 1 queued message, got %d", queue.Depth())
	}
}

func TestServiceSubmitClampsRetries(t *testing.T) {
	svc, _, _ := newTestService(t, 8, WithRetriesCap(2))
	job, err := svc.Submit(context.Background(), SubmitRequest{Script: "from manim import *", MaxRetries: 10})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.MaxRetries != 2 {
		t.Fatalf("expected retries clamped to 2, got %d", job.MaxRetries)
	}
}

func TestServiceSubmitIdempotency(t *testing.T) {
	svc, _, queue := newTestService(t, 8)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job for repeated key, got %s and %s", first.ID, second.ID)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected single enqueue for repeated key, got %d", queue.Depth())
	}
}

func TestServiceSubmitQueueFull(t *testing.T) {
	svc, store, _ := newTestService(t, 1)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if !stdErrors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	// 同步拒绝不保留任务记录。
	jobs, listErr := store.List(ctx, ListOptions{})
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after rejection, got %d", len(jobs))
	}
}

func TestServiceCancelQueued(t *testing.T) {
	hub := NewCompletionHub()
	svc, _, _ := newTestService(t, 8, WithCompletionHub(hub))
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := hub.Subscribe(job.ID)

	canceled, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	select {
	case final := <-done:
		if final == nil || final.Status != StatusCanceled {
			t.Fatalf("unexpected completion notification: %+v", final)
		}
	case <-time.After(time.Second):
		t.Fatal("completion notification not delivered")
	}

	// 终态任务的取消是幂等 no-op。
	again, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != StatusCanceled {
		t.Fatalf("expected canceled after repeated cancel, got %s", again.Status)
	}

	if _, err := svc.Cancel(ctx, "missing"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceWaitUntilTerminal(t *testing.T) {
	hub := NewCompletionHub()
	svc, store, _ := newTestService(t, 8, WithCompletionHub(hub))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := svc.Submit(ctx, SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		if _, err := store.Claim(ctx, job.ID); err != nil {
			return
		}
		_ = store.MarkSucceeded(ctx, job.ID, RenderResult{ArtifactHash: "h"})
		final, _ := store.Get(ctx, job.ID)
		hub.Publish(final)
	}()

	final, err := svc.WaitUntilTerminal(ctx, job.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}
}
