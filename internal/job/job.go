package job

import (
	stdErrors "errors"

	xerrors "ManimMCP-Render/internal/errors"
)

// Status 表示渲染任务在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCanceled  Status = "canceled"
)

// Terminal 判断状态是否为终态。终态之后不允许再发生任何状态迁移。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	default:
		return false
	}
}

// Params 描述一次渲染的可选参数。
type Params struct {
	// Quality 对应 manim 的质量档位：l、m、h、p、k。空值使用服务端默认。
	Quality string `json:"quality,omitempty"`
	// Scene 指定要渲染的场景类名。空值让 manim 自行选择。
	Scene string `json:"scene,omitempty"`
}

// Limits 记录本次任务实际生效的资源上限。
type Limits struct {
	WallTimeMS     int64 `json:"wall_time_ms"`
	MemoryMB       int64 `json:"memory_mb"`
	OutputMaxBytes int64 `json:"output_max_bytes"`
	LogMaxBytes    int64 `json:"log_max_bytes"`
}

// RenderResult 保存一次渲染成功后的产物信息与执行日志。
type RenderResult struct {
	ArtifactHash string `json:"artifact_hash"`
	ArtifactSize int64  `json:"artifact_size"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	ExitCode     int    `json:"exit_code"`
	DurationMS   int64  `json:"duration_ms"`
}

// Job 描述了排队执行的渲染任务。
type Job struct {
	ID             string        `json:"id"`
	Script         string        `json:"script"`
	Params         Params        `json:"params"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         Status        `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxRetries     int           `json:"max_retries"`
	LastError      string        `json:"last_error,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Result         *RenderResult `json:"result,omitempty"`
	Limits         Limits        `json:"limits"`
	SubmittedAt    int64         `json:"submitted_at"`
	StartedAt      int64         `json:"started_at,omitempty"`
	FinishedAt     int64         `json:"finished_at,omitempty"`
	UpdatedAt      int64         `json:"updated_at"`
}

// Clone 返回任务的深拷贝，避免存储层与调用方共享可变状态。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cloned := *j
	if j.Result != nil {
		result := *j.Result
		cloned.Result = &result
	}
	return &cloned
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经处于终态。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrQueueFull 表示渲染队列已满，提交被同步拒绝。
	ErrQueueFull = xerrors.New(CodeCapacity, "render queue is full", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeCapacity      xerrors.Code = "CAPACITY_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:   "job already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCapacity, xerrors.Attributes{
		Message:   "render queue is full",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish render job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "render job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsJobError 判断错误是否为统一任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrJobNotFound) {
		return target == CodeJobNotFound
	}
	if stdErrors.Is(err, ErrJobConflict) {
		return target == CodeJobConflict
	}
	if stdErrors.Is(err, ErrJobCompleted) {
		return target == CodeJobCompleted
	}
	if stdErrors.Is(err, ErrQueueFull) {
		return target == CodeCapacity
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	default:
		return false
	}
}

// TerminalStatusForCode 根据渲染失败的错误码推导对应的终态。
func TerminalStatusForCode(code xerrors.Code) Status {
	switch code {
	case xerrors.CodeTimeout:
		return StatusTimedOut
	case "RENDER_CANCELED":
		return StatusCanceled
	default:
		return StatusFailed
	}
}
