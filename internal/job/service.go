package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ManimMCP-Render/internal/errors"
	"ManimMCP-Render/internal/observability/metrics"
	"ManimMCP-Render/pkg/logger"
)

// ScriptValidator 校验提交的脚本内容。
type ScriptValidator interface {
	Validate(script string) error
}

// RunningCanceler 请求取消一个正在执行的任务。
type RunningCanceler interface {
	CancelRunning(jobID string) bool
}

// SubmitRequest 描述一次渲染提交。
type SubmitRequest struct {
	Script         string `json:"script"`
	Quality        string `json:"quality,omitempty"`
	Scene          string `json:"scene,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Service 负责任务的准入、查询与取消。
type Service struct {
	store      Store
	producer   Producer
	validator  ScriptValidator
	defaults   Limits
	retriesCap int
	hub        *CompletionHub
	canceler   RunningCanceler
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithValidator 配置脚本校验器。
func WithValidator(v ScriptValidator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// WithCompletionHub 配置终态通知。
func WithCompletionHub(hub *CompletionHub) ServiceOption {
	return func(s *Service) {
		s.hub = hub
	}
}

// WithRunningCanceler 配置运行中任务的取消入口。
func WithRunningCanceler(c RunningCanceler) ServiceOption {
	return func(s *Service) {
		s.canceler = c
	}
}

// WithRetriesCap 限制单个任务允许申请的最大重试次数。
func WithRetriesCap(limit int) ServiceOption {
	return func(s *Service) {
		if limit >= 0 {
			s.retriesCap = limit
		}
	}
}

// NewService 构造任务服务。defaults 为每个任务生效的资源上限。
func NewService(store Store, producer Producer, defaults Limits, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		producer:   producer,
		defaults:   defaults,
		retriesCap: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	sceneNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	qualityLevels    = map[string]struct{}{"l": {}, "m": {}, "h": {}, "p": {}, "k": {}}
)

// CodeValidation 与 internal/script 保持同一错误码，参数类拒绝统一对外。
const CodeValidation xerrors.Code = "VALIDATION_FAILED"

func (s *Service) validateRequest(req SubmitRequest) error {
	if strings.TrimSpace(req.Script) == "" {
		return xerrors.New(CodeValidation, "脚本内容不能为空")
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.Script); err != nil {
			return err
		}
	}
	if req.Quality != "" {
		if _, ok := qualityLevels[req.Quality]; !ok {
			return xerrors.New(CodeValidation, "不支持的渲染质量: "+req.Quality)
		}
	}
	if req.Scene != "" && !sceneNamePattern.MatchString(req.Scene) {
		return xerrors.New(CodeValidation, "非法的场景名: "+req.Scene)
	}
	if req.MaxRetries < 0 {
		return xerrors.New(CodeValidation, "max_retries 不能为负数")
	}
	return nil
}

// Submit 校验并创建一个新的任务，随后推送到队列。
// 校验失败与队列满都是同步拒绝，不会留下任务记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries > s.retriesCap {
		maxRetries = s.retriesCap
	}

	job := &Job{
		ID:             uuid.NewString(),
		Script:         req.Script,
		Params:         Params{Quality: req.Quality, Scene: req.Scene},
		IdempotencyKey: key,
		Status:         StatusQueued,
		MaxRetries:     maxRetries,
		Limits:         s.defaults,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) && key != "" {
			// 幂等键并发竞争：另一个提交先行落库，直接返回它。
			existing, getErr := s.store.FindByIdempotencyKey(ctx, key)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		if stdErrors.Is(err, ErrQueueFull) {
			// 同步拒绝，不保留任务记录。
			if delErr := s.store.Delete(ctx, job.ID); delErr != nil {
				logger.L().Error("清理被拒绝的任务记录失败",
					slog.Any("error", delErr), slog.String("job_id", job.ID))
			}
			return nil, ErrQueueFull
		}
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), StatusFailed)
		return nil, wrapped
	}
	metrics.ObserveJobSubmitted()
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", job.ID),
		slog.String("quality", job.Params.Quality),
		slog.String("scene", job.Params.Scene),
		slog.Int("script_bytes", len(job.Script)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消任务。排队中的任务立即进入取消态；运行中的任务
// 向沙箱发出终止请求，终态由处理器回写。终态任务原样返回。
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	canceled, err := s.store.CancelQueued(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if canceled {
		logger.Audit().Info("排队任务已取消", slog.String("job_id", id))
		s.notify(job)
		return job, nil
	}
	if job.Status == StatusRunning && s.canceler != nil {
		if s.canceler.CancelRunning(id) {
			logger.Audit().Info("已请求终止运行中的任务", slog.String("job_id", id))
		}
	}
	return job, nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回任务统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Subscribe 订阅任务的终态通知。订阅是一次性的：任务进入终态后
// 通道收到最终状态并关闭。任务可能在订阅前已经完成，需要最终状态
// 的调用方应使用 WaitUntilTerminal。
func (s *Service) Subscribe(id string) (<-chan *Job, error) {
	if s.hub == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "终态通知未启用")
	}
	return s.hub.Subscribe(id), nil
}

// WaitUntilTerminal 等待任务进入终态。优先使用终态通知，同时以
// interval 为周期轮询兜底，防止通知在订阅前已经发出。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	var done <-chan *Job
	if s.hub != nil {
		done = s.hub.Subscribe(id)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if done != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case job := <-done:
				if job != nil {
					return job, nil
				}
				done = nil
			case <-ticker.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) notify(job *Job) {
	if s.hub != nil {
		s.hub.Publish(job)
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
