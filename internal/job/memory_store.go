package job

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		keys: make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	if job.IdempotencyKey != "" {
		if _, ok := m.keys[job.IdempotencyKey]; ok {
			return ErrJobConflict
		}
	}
	now := time.Now().Unix()
	if job.SubmittedAt == 0 {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job.Clone()
	if job.IdempotencyKey != "" {
		m.keys[job.IdempotencyKey] = job.ID
	}
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// FindByIdempotencyKey 按幂等键查找任务。
func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Claim 将排队中的任务置为运行态。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return job.Clone(), ErrJobCompleted
	}
	if job.Status == StatusRunning {
		return job.Clone(), ErrJobConflict
	}
	now := time.Now().Unix()
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	if job.StartedAt == 0 {
		job.StartedAt = now
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result RenderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobCompleted
	}
	now := time.Now().Unix()
	job.Status = StatusSucceeded
	job.Result = &result
	job.LastError = ""
	job.ErrorCode = ""
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// MarkFailed 将任务置入指定的失败类终态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, status Status) error {
	if !status.Terminal() || status == StatusSucceeded {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的失败终态: "+string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobCompleted
	}
	now := time.Now().Unix()
	job.Status = status
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// Requeue 把运行中的任务放回排队态。
func (m *MemoryStore) Requeue(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobCompleted
	}
	if job.Status != StatusRunning {
		return ErrJobConflict
	}
	job.Status = StatusQueued
	job.LastError = lastError
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// CancelQueued 仅取消仍在排队的任务。
func (m *MemoryStore) CancelQueued(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != StatusQueued {
		return false, nil
	}
	now := time.Now().Unix()
	job.Status = StatusCanceled
	job.ErrorCode = "RENDER_CANCELED"
	job.FinishedAt = now
	job.UpdatedAt = now
	return true, nil
}

// Delete 移除任务记录。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.IdempotencyKey != "" {
		delete(m.keys, job.IdempotencyKey)
	}
	delete(m.jobs, id)
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if !matchesListFilters(job, opts) {
			continue
		}
		results = append(results, job.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortBySubmittedAsc {
			if results[i].SubmittedAt == results[j].SubmittedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].SubmittedAt < results[j].SubmittedAt
		}
		if results[i].SubmittedAt == results[j].SubmittedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].SubmittedAt > results[j].SubmittedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态下的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, job := range m.jobs {
		stats.add(job.Status, 1)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(job *Job, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if job.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SubmittedGTE > 0 && job.SubmittedAt < opts.SubmittedGTE {
		return false
	}
	if opts.SubmittedLTE > 0 && job.SubmittedAt > opts.SubmittedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
