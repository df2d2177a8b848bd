package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
	"ManimMCP-Render/internal/observability/alerting"
	"ManimMCP-Render/internal/observability/metrics"
	"ManimMCP-Render/internal/sandbox"
	"ManimMCP-Render/pkg/logger"
)

// Renderer 定义了处理器所需的沙箱能力。
type Renderer interface {
	Render(ctx context.Context, req sandbox.RenderRequest) (*sandbox.RenderReport, error)
}

// Processor 负责从队列消费任务并交给沙箱渲染。
type Processor struct {
	renderer    Renderer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	hub         *CompletionHub

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorCompletionHub 配置终态通知。
func WithProcessorCompletionHub(hub *CompletionHub) ProcessorOption {
	return func(p *Processor) {
		p.hub = hub
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(renderer Renderer, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		renderer:    renderer,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		running:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// CancelRunning 终止正在渲染的任务。任务不在本进程执行时返回 false。
func (p *Processor) CancelRunning(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Processor) track(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.running[jobID] = cancel
	p.mu.Unlock()
}

func (p *Processor) untrack(jobID string) {
	p.mu.Lock()
	delete(p.running, jobID)
	p.mu.Unlock()
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.renderer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		// 终态任务（包括排队期间被取消的）直接跳过。
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.track(job.ID, cancel)
	defer func() {
		p.untrack(job.ID)
		cancel()
	}()

	started := time.Now()
	report, execErr := p.renderer.Render(runCtx, sandbox.RenderRequest{
		JobID:   job.ID,
		Script:  job.Script,
		Quality: job.Params.Quality,
		Scene:   job.Params.Scene,
		Limits: sandbox.Limits{
			WallTime:       time.Duration(job.Limits.WallTimeMS) * time.Millisecond,
			MemoryMB:       int(job.Limits.MemoryMB),
			OutputMaxBytes: job.Limits.OutputMaxBytes,
			LogMaxBytes:    job.Limits.LogMaxBytes,
		},
	})
	if execErr != nil {
		return p.handleRenderFailure(ctx, job, execErr, time.Since(started))
	}

	result := RenderResult{
		Stdout:     report.Stdout,
		Stderr:     report.Stderr,
		ExitCode:   report.ExitCode,
		DurationMS: report.DurationMS,
	}
	if report.Artifact != nil {
		result.ArtifactHash = report.Artifact.Hash
		result.ArtifactSize = report.Artifact.Size
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		if stdErrors.Is(err, ErrJobCompleted) {
			// 渲染期间任务被并发置为终态，产物已在制品库，结果丢弃。
			p.logDebug("任务已处于终态，丢弃渲染结果", slog.String("job_id", job.ID))
			return nil
		}
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "mark_succeeded")
		return err
	}
	metrics.ObserveJobCompleted(string(StatusSucceeded), time.Since(started))
	logger.Audit().Info("任务渲染成功",
		slog.String("job_id", job.ID),
		slog.String("artifact", result.ArtifactHash),
		slog.Int64("artifact_bytes", result.ArtifactSize),
		slog.Int64("duration_ms", result.DurationMS),
	)
	p.publishTerminal(ctx, job.ID)
	return nil
}

func (p *Processor) handleRenderFailure(ctx context.Context, job *Job, execErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	status := TerminalStatusForCode(code)
	retryable := xerrors.RetryableError(execErr) && status == StatusFailed

	if retryable && job.Attempts <= job.MaxRetries {
		if err := p.store.Requeue(ctx, job.ID, execErr.Error()); err != nil {
			logger.L().Error("任务重新入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		} else if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			logger.L().Error("任务重投失败", slog.Any("error", pubErr), slog.String("job_id", job.ID))
			_ = p.store.MarkFailed(ctx, job.ID, CodeJobPublish, pubErr.Error(), StatusFailed)
			p.emitAlert(ctx, job, CodeJobPublish, pubErr, "republish")
			p.publishTerminal(ctx, job.ID)
			return nil
		} else {
			p.logDebug("任务已重新排队",
				slog.String("job_id", job.ID),
				slog.Int("attempts", job.Attempts),
				slog.String("error", execErr.Error()),
			)
			p.emitAlert(ctx, job, code, execErr, "retry")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), status); storeErr != nil {
		if stdErrors.Is(storeErr, ErrJobCompleted) {
			p.logDebug("任务已处于终态，忽略失败回写", slog.String("job_id", job.ID))
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	metrics.ObserveJobCompleted(string(status), elapsed)
	logger.Audit().Warn("任务渲染失败",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)
	p.emitAlert(ctx, job, code, execErr, "terminal")
	p.publishTerminal(ctx, job.ID)
	return nil
}

// publishTerminal 把终态通知推给等待的订阅者。
func (p *Processor) publishTerminal(ctx context.Context, jobID string) {
	if p.hub == nil {
		return
	}
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	p.hub.Publish(job)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

var _ RunningCanceler = (*Processor)(nil)
