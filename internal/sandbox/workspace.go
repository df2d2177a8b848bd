package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const sceneFileName = "scene.py"

// provisionWorkspace 在媒体根目录下创建一次性的任务目录并写入脚本。
// 目录名直接使用任务 ID，便于排障时对应日志。
func provisionWorkspace(mediaRoot, jobID, script string) (string, error) {
	if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
		return "", fmt.Errorf("create media root: %w", err)
	}
	workdir := filepath.Join(mediaRoot, jobID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	scenePath := filepath.Join(workdir, sceneFileName)
	if err := os.WriteFile(scenePath, []byte(script), 0o644); err != nil {
		_ = os.RemoveAll(workdir)
		return "", fmt.Errorf("write scene file: %w", err)
	}
	abs, err := filepath.Abs(workdir)
	if err != nil {
		_ = os.RemoveAll(workdir)
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	return abs, nil
}

// teardownWorkspace 删除任务目录。只接受媒体根目录之下的路径，
// 防止错误配置把清理指向宿主机的其它位置。
func teardownWorkspace(mediaRoot, workdir string) error {
	if workdir == "" {
		return nil
	}
	rootAbs, err := filepath.Abs(mediaRoot)
	if err != nil {
		return err
	}
	dirAbs, err := filepath.Abs(workdir)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(dirAbs, rootAbs+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: outside media root", dirAbs)
	}
	return os.RemoveAll(dirAbs)
}

// findRenderedVideo 在工作目录中查找渲染出的视频。manim 会把中间帧
// 放在 partial_movie_files 目录下，必须跳过。
func findRenderedVideo(workdir string) (string, bool) {
	var video string
	_ = filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "partial_movie_files" {
				return filepath.SkipDir
			}
			return nil
		}
		if video == "" && strings.HasSuffix(d.Name(), ".mp4") {
			video = path
			return filepath.SkipAll
		}
		return nil
	})
	return video, video != ""
}

// dirSize 统计工作目录的总字节数，用于输出体积上限检查。
func dirSize(workdir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// qualityFlag 把质量档位收敛到 manim 认识的取值，默认高清。
func qualityFlag(quality string) string {
	switch quality {
	case "l", "m", "h", "p", "k":
		return "-q" + quality
	default:
		return "-qh"
	}
}

// validSceneName 校验场景类名，防止把任意参数拼进命令行。
func validSceneName(scene string) bool {
	if scene == "" {
		return false
	}
	for i, r := range scene {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
