package sandbox

import (
	"bytes"
	"sync"
)

// limitBuffer 按字节上限截断捕获的输出，避免诊断信息占用无界内存。
// Write 永远报告全量写入，超限部分直接丢弃。
type limitBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newLimitBuffer(max int64) *limitBuffer {
	if max <= 0 {
		max = 64 * 1024
	}
	return &limitBuffer{max: max}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - int64(b.buf.Len())
	if remaining > 0 {
		chunk := p
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
			b.truncated = true
		}
		b.buf.Write(chunk)
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... (truncated)"
	}
	return b.buf.String()
}
