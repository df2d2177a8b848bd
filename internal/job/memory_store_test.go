package job

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := &Job{ID: "j1", Script: "from manim import *", Status: StatusQueued, MaxRetries: 1}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j1", Script: "dup", Status: StatusQueued}); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	if claimed.StartedAt == 0 {
		t.Fatal("expected started_at to be set")
	}
	if _, err := store.Claim(ctx, "j1"); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	result := RenderResult{ArtifactHash: "abc", ArtifactSize: 42, DurationMS: 100}
	if err := store.MarkSucceeded(ctx, "j1", result); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusSucceeded || job.Result == nil || job.Result.ArtifactHash != "abc" {
		t.Fatalf("unexpected job after success: %+v", job)
	}
	if job.FinishedAt == 0 {
		t.Fatal("expected finished_at to be set")
	}

	// 终态之后的任何写入都必须被拒绝。
	if err := store.MarkFailed(ctx, "j1", CodeJobProcessing, "boom", StatusFailed); !stdErrors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed guard, got %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); !stdErrors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed guard on claim, got %v", err)
	}
	if err := store.Requeue(ctx, "j1", "boom"); !stdErrors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed guard on requeue, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreMarkFailedStatuses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status Status
	}{
		{"f1", StatusFailed},
		{"f2", StatusTimedOut},
		{"f3", StatusCanceled},
	} {
		if err := store.Create(ctx, &Job{ID: tc.id, Script: "s", Status: StatusQueued}); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
		if _, err := store.Claim(ctx, tc.id); err != nil {
			t.Fatalf("claim %s: %v", tc.id, err)
		}
		if err := store.MarkFailed(ctx, tc.id, CodeJobProcessing, "boom", tc.status); err != nil {
			t.Fatalf("mark failed %s: %v", tc.id, err)
		}
		job, err := store.Get(ctx, tc.id)
		if err != nil {
			t.Fatalf("get %s: %v", tc.id, err)
		}
		if job.Status != tc.status {
			t.Fatalf("expected %s, got %s", tc.status, job.Status)
		}
	}

	if err := store.Create(ctx, &Job{ID: "f4", Script: "s", Status: StatusQueued}); err != nil {
		t.Fatalf("create f4: %v", err)
	}
	if err := store.MarkFailed(ctx, "f4", CodeJobProcessing, "boom", StatusRunning); err == nil {
		t.Fatal("expected rejection of non-terminal status")
	}
}

func TestMemoryStoreCancelQueued(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "c1", Script: "s", Status: StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}
	canceled, err := store.CancelQueued(ctx, "c1")
	if err != nil || !canceled {
		t.Fatalf("cancel queued: canceled=%v err=%v", canceled, err)
	}
	job, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", job.Status)
	}

	// 取消幂等：重复取消返回 false 且状态不变。
	canceled, err = store.CancelQueued(ctx, "c1")
	if err != nil || canceled {
		t.Fatalf("expected no-op on second cancel: canceled=%v err=%v", canceled, err)
	}

	// 排队期间取消的任务被领取时必须跳过。
	if _, err := store.Claim(ctx, "c1"); !stdErrors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed guard on canceled claim, got %v", err)
	}

	// 运行中的任务不能走排队取消。
	if err := store.Create(ctx, &Job{ID: "c2", Script: "s", Status: StatusQueued}); err != nil {
		t.Fatalf("create c2: %v", err)
	}
	if _, err := store.Claim(ctx, "c2"); err != nil {
		t.Fatalf("claim c2: %v", err)
	}
	canceled, err = store.CancelQueued(ctx, "c2")
	if err != nil || canceled {
		t.Fatalf("expected running job to be left alone: canceled=%v err=%v", canceled, err)
	}
}

func TestMemoryStoreIdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "k1", Script: "s", IdempotencyKey: "key-1", Status: StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := store.FindByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if found.ID != "k1" {
		t.Fatalf("expected k1, got %s", found.ID)
	}
	if _, err := store.FindByIdempotencyKey(ctx, "missing"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "k2", Script: "s", IdempotencyKey: "key-1", Status: StatusQueued}); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.FindByIdempotencyKey(ctx, "key-1"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected key released after delete, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	jobs := []*Job{
		{ID: "t1", Script: "s1", Status: StatusQueued},
		{ID: "t2", Script: "s2", Status: StatusQueued},
		{ID: "t3", Script: "s3", Status: StatusQueued},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}
	if _, err := store.Claim(ctx, "t2"); err != nil {
		t.Fatalf("claim t2: %v", err)
	}
	if err := store.MarkFailed(ctx, "t2", CodeJobProcessing, "boom", StatusFailed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t3"); err != nil {
		t.Fatalf("claim t3: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", RenderResult{ArtifactHash: "h"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["t1"].SubmittedAt = base.Unix()
	store.jobs["t2"].SubmittedAt = base.Add(30 * time.Second).Unix()
	store.jobs["t3"].SubmittedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest job first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithSubmittedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs to match since filter, got %d", len(recent))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Queued != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
