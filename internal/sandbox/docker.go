package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkdir = "/work"

// DockerEnvironment 在一次性容器中运行渲染器：无网络、内存硬上限、
// 只挂载任务的工作目录。每次 Run 创建一个新容器，结束后强制删除。
type DockerEnvironment struct {
	cli       *client.Client
	image     string
	mediaRoot string
	killGrace time.Duration
}

// NewDockerEnvironment 构造 Docker 驱动。
func NewDockerEnvironment(image, mediaRoot string, killGrace time.Duration) (*DockerEnvironment, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	cli.NegotiateAPIVersion(context.Background())

	if image == "" {
		image = "manimcommunity/manim:stable"
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &DockerEnvironment{
		cli:       cli,
		image:     image,
		mediaRoot: mediaRoot,
		killGrace: killGrace,
	}, nil
}

// Provision 实现 Environment 接口。
func (e *DockerEnvironment) Provision(_ context.Context, jobID, script string) (string, error) {
	return provisionWorkspace(e.mediaRoot, jobID, script)
}

// Run 在容器中执行渲染。取消时先按宽限期停止容器，随后强制删除。
func (e *DockerEnvironment) Run(ctx context.Context, req RenderRequest, workdir string) (*RunReport, error) {
	cmd := []string{"manim", qualityFlag(req.Quality), sceneFileName}
	if validSceneName(req.Scene) {
		cmd = append(cmd, req.Scene)
	}

	containerCfg := &container.Config{
		Image:      e.image,
		Cmd:        cmd,
		WorkingDir: containerWorkdir,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: int64(req.Limits.MemoryMB) * 1024 * 1024,
		},
		Binds: []string{
			fmt.Sprintf("%s:%s:rw", workdir, containerWorkdir),
		},
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = e.cli.ContainerRemove(context.Background(), created.ID,
			container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	waitCh, errCh := e.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				e.stopWithGrace(created.ID)
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("wait container: %w", err)
		}
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		e.stopWithGrace(created.ID)
		return nil, ctx.Err()
	}
	duration := time.Since(start)

	stdout := newLimitBuffer(req.Limits.LogMaxBytes)
	stderr := newLimitBuffer(req.Limits.LogMaxBytes)
	if logs, err := e.cli.ContainerLogs(context.Background(), created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}); err == nil {
		_, _ = stdcopy.StdCopy(stdout, stderr, logs)
		_ = logs.Close()
	}

	oomKilled := false
	if info, err := e.cli.ContainerInspect(context.Background(), created.ID); err == nil && info.State != nil {
		oomKilled = info.State.OOMKilled
	}

	return &RunReport{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		OOMKilled: oomKilled,
		Duration:  duration,
	}, nil
}

func (e *DockerEnvironment) stopWithGrace(id string) {
	timeout := int(e.killGrace.Seconds())
	stopCtx, cancel := context.WithTimeout(context.Background(), e.killGrace+5*time.Second)
	defer cancel()
	_ = e.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &timeout})
}

// Teardown 实现 Environment 接口。
func (e *DockerEnvironment) Teardown(workdir string) error {
	return teardownWorkspace(e.mediaRoot, workdir)
}

var _ Environment = (*DockerEnvironment)(nil)
