package artifact

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPutAndOpenRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	content := []byte("fake mp4 payload")
	ref, err := store.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("写入产物失败: %v", err)
	}
	if ref.Hash != HashBytes(content) {
		t.Fatalf("哈希不符: %s", ref.Hash)
	}
	if ref.Size != int64(len(content)) {
		t.Fatalf("大小不符: %d", ref.Size)
	}

	reader, got, err := store.Open(ref.Hash)
	if err != nil {
		t.Fatalf("打开产物失败: %v", err)
	}
	defer reader.Close()
	if got.Hash != ref.Hash {
		t.Fatalf("元信息哈希不符: %s", got.Hash)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("读取产物失败: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("内容不符: %q", data)
	}
}

func TestPutDeduplicatesSameContent(t *testing.T) {
	store, err := NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("identical bytes")
	first, err := store.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("相同内容应得到相同哈希: %s vs %s", first.Hash, second.Hash)
	}
	if !second.ExpiresAt.After(first.CreatedAt) {
		t.Fatal("重复写入应当顺延过期时间")
	}
}

func TestStatRejectsInvalidHash(t *testing.T) {
	store, err := NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	for _, hash := range []string{"", "short", "../../etc/passwd", strings.Repeat("zz", 32)} {
		if _, err := store.Stat(hash); !errors.Is(err, ErrNotFound) {
			t.Fatalf("非法哈希 %q 应当返回 ErrNotFound, 实际: %v", hash, err)
		}
	}
	if _, err := store.Stat(strings.Repeat("0", 64)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("不存在的产物应当返回 ErrNotFound, 实际: %v", err)
	}
}

func TestReaperRemovesExpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := store.Put(bytes.NewReader([]byte("stale video")))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(ref.Path, old, old); err != nil {
		t.Fatal(err)
	}

	store.reapOnce(time.Now())

	if _, err := store.Stat(ref.Hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("过期产物应当被清理, 实际: %v", err)
	}
}

func TestReaperSkipsArtifactsInUse(t *testing.T) {
	store, err := NewStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := store.Put(bytes.NewReader([]byte("still downloading")))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(ref.Path, old, old); err != nil {
		t.Fatal(err)
	}

	reader, _, err := store.Open(ref.Hash)
	if err != nil {
		t.Fatal(err)
	}

	store.reapOnce(time.Now())
	if _, err := store.Stat(ref.Hash); err != nil {
		t.Fatalf("读取中的产物不应被清理: %v", err)
	}

	if err := reader.Close(); err != nil {
		t.Fatal(err)
	}
	store.reapOnce(time.Now())
	if _, err := store.Stat(ref.Hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("释放后产物应当被清理, 实际: %v", err)
	}
}

func TestPutFile(t *testing.T) {
	store, err := NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir() + "/scene.mp4"
	content := []byte("rendered output")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	ref, err := store.PutFile(src)
	if err != nil {
		t.Fatalf("发布文件失败: %v", err)
	}
	if ref.Hash != HashBytes(content) {
		t.Fatalf("哈希不符: %s", ref.Hash)
	}
}
