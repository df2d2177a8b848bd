package job

// Stats 汇总各状态下的任务数量，供运维查询与指标上报使用。
type Stats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Canceled  int64 `json:"canceled"`
}

func (s *Stats) add(status Status, n int64) {
	s.Total += n
	switch status {
	case StatusQueued:
		s.Queued += n
	case StatusRunning:
		s.Running += n
	case StatusSucceeded:
		s.Succeeded += n
	case StatusFailed:
		s.Failed += n
	case StatusTimedOut:
		s.TimedOut += n
	case StatusCanceled:
		s.Canceled += n
	}
}
