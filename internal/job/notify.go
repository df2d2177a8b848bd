package job

import "sync"

// CompletionHub 向等待的订阅者推送任务终态。订阅是一次性的：
// 任务进入终态后通道收到最终状态并关闭。
type CompletionHub struct {
	mu   sync.Mutex
	subs map[string][]chan *Job
}

// NewCompletionHub 创建 CompletionHub。
func NewCompletionHub() *CompletionHub {
	return &CompletionHub{subs: make(map[string][]chan *Job)}
}

// Subscribe 订阅指定任务的终态通知。
func (h *CompletionHub) Subscribe(jobID string) <-chan *Job {
	ch := make(chan *Job, 1)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Publish 推送任务终态并移除对应的订阅。非终态任务直接忽略。
func (h *CompletionHub) Publish(job *Job) {
	if job == nil || !job.Status.Terminal() {
		return
	}
	h.mu.Lock()
	subs := h.subs[job.ID]
	delete(h.subs, job.ID)
	h.mu.Unlock()
	for _, ch := range subs {
		ch <- job.Clone()
		close(ch)
	}
}
