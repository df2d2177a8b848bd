// Package sandbox 在隔离环境中执行单个 Manim 脚本并回收渲染产物。
// 隔离环境抽象为 Provision / Run / Teardown 三个操作，具体隔离手段
// （子进程或 Docker 容器）是接口背后的实现选择。
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ManimMCP-Render/internal/artifact"
	xerrors "ManimMCP-Render/internal/errors"
)

// 渲染失败的错误码。校验失败在准入阶段处理，永远到不了这里。
const (
	CodeExecutionFailed  xerrors.Code = "EXECUTION_FAILED"
	CodeResourceExceeded xerrors.Code = "RESOURCE_EXCEEDED"
	CodeRenderMissing    xerrors.Code = "RENDER_MISSING"
	CodeRenderCanceled   xerrors.Code = "RENDER_CANCELED"
	CodeSandboxInternal  xerrors.Code = "SANDBOX_INTERNAL"
)

func init() {
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:   "script execution failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeResourceExceeded, xerrors.Attributes{
		Message:   "resource limit exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRenderMissing, xerrors.Attributes{
		Message:   "renderer exited cleanly but produced no video",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRenderCanceled, xerrors.Attributes{
		Message:   "render canceled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSandboxInternal, xerrors.Attributes{
		Message:   "sandbox infrastructure failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Limits 描述单次渲染的资源上限。
type Limits struct {
	WallTime       time.Duration
	MemoryMB       int
	OutputMaxBytes int64
	LogMaxBytes    int64
}

// RenderRequest 描述一次渲染任务。
type RenderRequest struct {
	JobID  string
	Script string
	// Quality 对应 manim 的 -q 档位：l、m、h、p、k。
	Quality string
	// Scene 可选，指定渲染的场景类名。
	Scene  string
	Limits Limits
}

// RenderReport 是一次成功渲染的结果。
type RenderReport struct {
	Artifact   *artifact.Ref
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
}

// RunReport 是隔离环境返回的原始执行信息，由 Executor 负责定性。
type RunReport struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	OOMKilled bool
	Duration  time.Duration
}

// Environment 是具备能力边界的隔离执行环境。
type Environment interface {
	// Provision 准备一次性的工作目录并写入脚本。
	Provision(ctx context.Context, jobID, script string) (workdir string, err error)
	// Run 在工作目录中执行渲染命令，超时与资源上限由环境强制执行。
	Run(ctx context.Context, req RenderRequest, workdir string) (*RunReport, error)
	// Teardown 丢弃工作目录及其中的一切部分产物。
	Teardown(workdir string) error
}

// Executor 驱动隔离环境完成渲染，并把结果定性为统一错误码。
type Executor struct {
	env          Environment
	store        *artifact.Store
	setupTimeout time.Duration
}

// ExecutorOption 配置 Executor 的可选参数。
type ExecutorOption func(*Executor)

// WithSetupTimeout 限制环境准备阶段（工作目录、容器镜像等）的耗时，
// 与渲染本身的墙钟上限相互独立。
func WithSetupTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.setupTimeout = d
		}
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(env Environment, store *artifact.Store, opts ...ExecutorOption) (*Executor, error) {
	if env == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置隔离环境")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置产物存储")
	}
	e := &Executor{env: env, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Render 执行一次渲染。超时由本方法强制执行，与调用方是否轮询无关；
// 取消或超时的运行不会发布任何产物，工作目录整体丢弃。
func (e *Executor) Render(ctx context.Context, req RenderRequest) (*RenderReport, error) {
	provCtx := ctx
	if e.setupTimeout > 0 {
		var cancelProv context.CancelFunc
		provCtx, cancelProv = context.WithTimeout(ctx, e.setupTimeout)
		defer cancelProv()
	}
	workdir, err := e.env.Provision(provCtx, req.JobID, req.Script)
	if err != nil {
		return nil, xerrors.Wrap(CodeSandboxInternal, err, "准备工作目录失败")
	}
	defer func() {
		if err := e.env.Teardown(workdir); err != nil {
			// 清理失败不影响任务结果，只记录在错误链之外。
			_ = err
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Limits.WallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Limits.WallTime)
		defer cancel()
	}

	report, runErr := e.env.Run(runCtx, req, workdir)
	if runErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, xerrors.Wrap(CodeRenderCanceled, runErr, "渲染被取消")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, xerrors.Wrap(xerrors.CodeTimeout, runErr,
				fmt.Sprintf("渲染超出 %s 的时间上限", req.Limits.WallTime))
		default:
			return nil, xerrors.Wrap(CodeSandboxInternal, runErr, "沙箱执行失败")
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("渲染超出 %s 的时间上限", req.Limits.WallTime))
	}
	if ctx.Err() != nil {
		return nil, xerrors.New(CodeRenderCanceled, "渲染被取消")
	}

	if report.OOMKilled || looksLikeMemoryKill(report) {
		return nil, xerrors.New(CodeResourceExceeded,
			fmt.Sprintf("内存超出 %dMB 上限", req.Limits.MemoryMB),
			xerrors.WithMetadata("stderr", tail(report.Stderr, 512)))
	}

	if req.Limits.OutputMaxBytes > 0 {
		size, err := dirSize(workdir)
		if err == nil && size > req.Limits.OutputMaxBytes {
			return nil, xerrors.New(CodeResourceExceeded,
				fmt.Sprintf("输出体积 %d 字节超出 %d 字节上限", size, req.Limits.OutputMaxBytes))
		}
	}

	if report.ExitCode != 0 {
		return nil, xerrors.New(CodeExecutionFailed,
			fmt.Sprintf("渲染进程退出码 %d", report.ExitCode),
			xerrors.WithMetadata("stderr", tail(report.Stderr, 512)))
	}

	videoPath, found := findRenderedVideo(workdir)
	if !found {
		// 进程正常退出却没有产物，单独定性，绝不能当成成功。
		return nil, xerrors.New(CodeRenderMissing, "")
	}

	ref, err := e.store.PutFile(videoPath)
	if err != nil {
		return nil, xerrors.Wrap(CodeSandboxInternal, err, "发布渲染产物失败")
	}

	return &RenderReport{
		Artifact:   ref,
		Stdout:     report.Stdout,
		Stderr:     report.Stderr,
		ExitCode:   report.ExitCode,
		DurationMS: report.Duration.Milliseconds(),
	}, nil
}

// looksLikeMemoryKill 识别子进程驱动下的内存超限：Python 抛 MemoryError，
// 或进程被 SIGKILL（退出码 137）。
func looksLikeMemoryKill(report *RunReport) bool {
	if report.ExitCode == 137 {
		return true
	}
	return report.ExitCode != 0 && strings.Contains(report.Stderr, "MemoryError")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
