package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// SubprocessEnvironment 直接以子进程方式运行渲染器。墙钟时间与输出
// 体积是强制上限；内存通过 ulimit 约束。需要完整隔离（网络、文件系
// 统）时应选用 Docker 驱动。
type SubprocessEnvironment struct {
	manim     string
	mediaRoot string
	killGrace time.Duration
}

// NewSubprocessEnvironment 构造子进程驱动。
func NewSubprocessEnvironment(manim, mediaRoot string, killGrace time.Duration) *SubprocessEnvironment {
	if manim == "" {
		manim = "manim"
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &SubprocessEnvironment{manim: manim, mediaRoot: mediaRoot, killGrace: killGrace}
}

// Provision 实现 Environment 接口。
func (e *SubprocessEnvironment) Provision(_ context.Context, jobID, script string) (string, error) {
	return provisionWorkspace(e.mediaRoot, jobID, script)
}

// Run 执行渲染命令。取消时先发 SIGTERM，宽限期后由 WaitDelay 强杀。
func (e *SubprocessEnvironment) Run(ctx context.Context, req RenderRequest, workdir string) (*RunReport, error) {
	args := []string{qualityFlag(req.Quality), sceneFileName}
	if validSceneName(req.Scene) {
		args = append(args, req.Scene)
	}

	var cmd *exec.Cmd
	if req.Limits.MemoryMB > 0 {
		// ulimit -v 以 KB 计；exec 保证限制落在渲染进程本身。
		line := fmt.Sprintf("ulimit -v %d; exec %s %s",
			req.Limits.MemoryMB*1024, e.manim, strings.Join(args, " "))
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	} else {
		cmd = exec.CommandContext(ctx, e.manim, args...)
	}
	cmd.Dir = workdir

	stdout := newLimitBuffer(req.Limits.LogMaxBytes)
	stderr := newLimitBuffer(req.Limits.LogMaxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.killGrace

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	report := &RunReport{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, runErr
		}
		report.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if status.Signal() == syscall.SIGKILL {
				// 被强杀：要么是超时强制终止，要么是内核 OOM。
				report.ExitCode = 137
			} else {
				report.ExitCode = 128 + int(status.Signal())
			}
		}
	}
	return report, nil
}

// Teardown 实现 Environment 接口。
func (e *SubprocessEnvironment) Teardown(workdir string) error {
	return teardownWorkspace(e.mediaRoot, workdir)
}

var _ Environment = (*SubprocessEnvironment)(nil)
