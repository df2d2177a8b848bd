// Package artifact 以内容寻址的方式保存渲染出的视频文件。
// 写入先落到临时文件再原子改名，读取方通过引用计数阻止后台清理
// 删掉仍在下载中的文件。
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
	"ManimMCP-Render/pkg/logger"
)

// CodeArtifactNotFound 表示产物不存在或已过期被清理。
const CodeArtifactNotFound xerrors.Code = "ARTIFACT_NOT_FOUND"

func init() {
	xerrors.Register(CodeArtifactNotFound, xerrors.Attributes{
		Message:   "artifact not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ErrNotFound 是产物缺失的哨兵错误。
var ErrNotFound = xerrors.New(CodeArtifactNotFound, "artifact not found")

const fileExt = ".mp4"

// Ref 描述存储中的一个产物。
type Ref struct {
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store 是基于本地文件系统的内容寻址存储。
type Store struct {
	root string
	ttl  time.Duration

	mu   sync.Mutex
	refs map[string]int
}

// NewStore 创建存储实例并准备根目录。
func NewStore(root string, ttl time.Duration) (*Store, error) {
	if root == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "产物目录不能为空")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建产物目录失败")
	}
	return &Store{root: root, ttl: ttl, refs: make(map[string]int)}, nil
}

// Put 将 r 的内容写入存储并返回内容哈希。相同内容的第二次写入是
// 空操作，直接复用既有文件并刷新其过期时间。
func (s *Store) Put(r io.Reader) (*Ref, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入产物内容失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "落盘产物内容失败")
	}
	if err := tmp.Close(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	final := s.pathOf(hash)

	now := time.Now()
	if _, statErr := os.Stat(final); statErr == nil {
		// 内容寻址天然去重：保留旧文件，顺延过期时间。
		_ = os.Chtimes(final, now, now)
		return s.refOf(hash, size, now), nil
	}
	if err := os.Rename(tmpPath, final); err != nil {
		// 并发写同一哈希时改名可能竞争失败，目标已存在则视为成功。
		if _, statErr := os.Stat(final); statErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "发布产物失败")
		}
	}
	return s.refOf(hash, size, now), nil
}

// PutFile 将本地文件写入存储。
func (s *Store) PutFile(path string) (*Ref, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开待发布文件失败")
	}
	defer file.Close()
	return s.Put(file)
}

// Stat 返回产物的元信息。
func (s *Store) Stat(hash string) (*Ref, error) {
	if !validHash(hash) {
		return nil, ErrNotFound
	}
	info, err := os.Stat(s.pathOf(hash))
	if err != nil {
		return nil, ErrNotFound
	}
	return s.refOf(hash, info.Size(), info.ModTime()), nil
}

// Reader 是带引用计数的产物读取器。Close 之前产物不会被清理。
type Reader struct {
	*os.File
	release func()
	once    sync.Once
}

// Close 释放文件句柄与引用。
func (r *Reader) Close() error {
	err := r.File.Close()
	r.once.Do(r.release)
	return err
}

// Open 打开产物并增加其引用计数。
func (s *Store) Open(hash string) (*Reader, *Ref, error) {
	ref, err := s.Stat(hash)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.refs[hash]++
	s.mu.Unlock()

	file, err := os.Open(ref.Path)
	if err != nil {
		s.releaseRef(hash)
		return nil, nil, ErrNotFound
	}
	reader := &Reader{File: file, release: func() { s.releaseRef(hash) }}
	return reader, ref, nil
}

func (s *Store) releaseRef(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[hash] <= 1 {
		delete(s.refs, hash)
		return
	}
	s.refs[hash]--
}

// StartReaper 启动后台清理协程，按固定间隔删除过期且无读取方的产物。
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reapOnce(time.Now())
			}
		}
	}()
}

func (s *Store) reapOnce(now time.Time) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		logger.L().Error("扫描产物目录失败", slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		hash := strings.TrimSuffix(name, fileExt)
		if !validHash(hash) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.ttl {
			continue
		}
		s.mu.Lock()
		busy := s.refs[hash] > 0
		s.mu.Unlock()
		if busy {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, name)); err != nil {
			logger.L().Warn("删除过期产物失败",
				slog.String("hash", hash), slog.Any("error", err))
			continue
		}
		logger.L().Debug("已清理过期产物", slog.String("hash", hash))
	}
}

func (s *Store) pathOf(hash string) string {
	return filepath.Join(s.root, hash+fileExt)
}

func (s *Store) refOf(hash string, size int64, created time.Time) *Ref {
	return &Ref{
		Hash:      hash,
		Path:      s.pathOf(hash),
		Size:      size,
		CreatedAt: created,
		ExpiresAt: created.Add(s.ttl),
	}
}

// validHash 防止路径逃逸：哈希必须是 64 位十六进制。
func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return false
	}
	return true
}

// HashBytes 计算内容哈希，便于调用方先行判重。
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
