package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeManim 生成一个代替 manim 的可执行脚本。
func writeFakeManim(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "manim")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubprocessRunCapturesOutput(t *testing.T) {
	manim := writeFakeManim(t, `echo "rendering scene"
echo "warning: slow" >&2
mkdir -p media/videos
printf 'video-bytes' > media/videos/Scene.mp4`)
	env := NewSubprocessEnvironment(manim, t.TempDir(), time.Second)

	workdir, err := env.Provision(context.Background(), "job-sub-1", "pass")
	if err != nil {
		t.Fatalf("准备工作目录失败: %v", err)
	}
	defer env.Teardown(workdir)

	if _, err := os.Stat(filepath.Join(workdir, sceneFileName)); err != nil {
		t.Fatalf("脚本文件应当已写入: %v", err)
	}

	report, err := env.Run(context.Background(), RenderRequest{JobID: "job-sub-1"}, workdir)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("退出码不符: %d", report.ExitCode)
	}
	if !strings.Contains(report.Stdout, "rendering scene") {
		t.Fatalf("stdout 捕获不符: %q", report.Stdout)
	}
	if !strings.Contains(report.Stderr, "warning: slow") {
		t.Fatalf("stderr 捕获不符: %q", report.Stderr)
	}
	if _, found := findRenderedVideo(workdir); !found {
		t.Fatal("应当找到渲染出的视频")
	}
}

func TestSubprocessRunNonZeroExit(t *testing.T) {
	manim := writeFakeManim(t, `echo "Traceback" >&2
exit 3`)
	env := NewSubprocessEnvironment(manim, t.TempDir(), time.Second)

	workdir, err := env.Provision(context.Background(), "job-sub-2", "boom")
	if err != nil {
		t.Fatal(err)
	}
	defer env.Teardown(workdir)

	report, err := env.Run(context.Background(), RenderRequest{JobID: "job-sub-2"}, workdir)
	if err != nil {
		t.Fatalf("非零退出应当返回报告而非错误: %v", err)
	}
	if report.ExitCode != 3 {
		t.Fatalf("退出码不符: %d", report.ExitCode)
	}
}

func TestSubprocessRunKilledOnDeadline(t *testing.T) {
	manim := writeFakeManim(t, `trap 'exit 143' TERM INT
sleep 30 &
wait $!`)
	env := NewSubprocessEnvironment(manim, t.TempDir(), 200*time.Millisecond)

	workdir, err := env.Provision(context.Background(), "job-sub-3", "while True: pass")
	if err != nil {
		t.Fatal(err)
	}
	defer env.Teardown(workdir)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := env.Run(ctx, RenderRequest{JobID: "job-sub-3"}, workdir)
	if err != nil {
		t.Fatalf("超时终止应当返回报告而非错误: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("进程未在宽限期内被终止")
	}
	if report.ExitCode == 0 {
		t.Fatal("被终止的进程退出码不应为 0")
	}
}

func TestSubprocessRunTruncatesLogs(t *testing.T) {
	manim := writeFakeManim(t, `i=0
while [ $i -lt 200 ]; do echo "line of renderer output $i"; i=$((i+1)); done`)
	env := NewSubprocessEnvironment(manim, t.TempDir(), time.Second)

	workdir, err := env.Provision(context.Background(), "job-sub-4", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer env.Teardown(workdir)

	report, err := env.Run(context.Background(), RenderRequest{
		JobID:  "job-sub-4",
		Limits: Limits{LogMaxBytes: 256},
	}, workdir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report.Stdout, "(truncated)") {
		t.Fatal("超限输出应当被截断标记")
	}
	if len(report.Stdout) > 512 {
		t.Fatalf("截断后的输出过长: %d", len(report.Stdout))
	}
}

func TestTeardownRefusesPathsOutsideMediaRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := teardownWorkspace(root, outside); err == nil {
		t.Fatal("媒体根目录之外的路径应当被拒绝")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("被拒绝的目录不应被删除")
	}

	inside := filepath.Join(root, "job-x")
	if err := os.MkdirAll(inside, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := teardownWorkspace(root, inside); err != nil {
		t.Fatalf("媒体根目录之下的路径应当可删除: %v", err)
	}
	if _, err := os.Stat(inside); !os.IsNotExist(err) {
		t.Fatal("目录应当已被删除")
	}
}
