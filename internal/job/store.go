package job

import (
	"context"

	xerrors "ManimMCP-Render/internal/errors"
)

// Store 抽象了任务状态的持久化接口。除 Requeue 外，所有写操作
// 在任务进入终态后都会返回 ErrJobCompleted，保证状态迁移单向。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// FindByIdempotencyKey 按幂等键查找任务，未命中返回 ErrJobNotFound。
	FindByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	// Claim 将排队中的任务置为运行态并递增尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result RenderResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, status Status) error
	// Requeue 把运行中的任务放回排队态，用于可重试的基础设施失败。
	Requeue(ctx context.Context, id string, lastError string) error
	// CancelQueued 仅在任务仍处于排队态时将其置为取消态。
	CancelQueued(ctx context.Context, id string) (bool, error)
	// Delete 移除任务记录，仅用于提交被同步拒绝后的补偿。
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
