package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ManimMCP-Render/internal/api"
	"ManimMCP-Render/internal/artifact"
	"ManimMCP-Render/internal/config"
	"ManimMCP-Render/internal/job"
	"ManimMCP-Render/internal/observability/alerting"
	"ManimMCP-Render/internal/observability/metrics"
	"ManimMCP-Render/internal/sandbox"
	"ManimMCP-Render/internal/script"
	"ManimMCP-Render/pkg/logger"
)

// main 是渲染守护进程的入口。
func main() {
	// 本地开发场景下从 .env 载入环境变量，文件缺失时静默跳过。
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("manimrenderd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MANIMMCP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "manimmcp.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}

	store, err := createJobStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("关闭任务存储失败: %v", err)
		}
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭任务队列失败: %v", err)
		}
	}()

	artifacts, err := artifact.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.TTL())
	if err != nil {
		return err
	}
	artifacts.StartReaper(ctx, cfg.Artifacts.ReapInterval())

	env, err := createSandboxEnvironment(cfg)
	if err != nil {
		return err
	}
	executor, err := sandbox.NewExecutor(env, artifacts,
		sandbox.WithSetupTimeout(cfg.Sandbox.SetupTimeout()))
	if err != nil {
		return err
	}

	policy, err := script.LoadPolicy(cfg.Policy.Path)
	if err != nil {
		return err
	}
	if cfg.Limits.ScriptMaxBytes > 0 {
		policy.MaxBytes = cfg.Limits.ScriptMaxBytes
	}
	validator := script.NewValidator(policy)

	hub := job.NewCompletionHub()

	processorOpts := []job.ProcessorOption{
		job.WithWorkerCount(cfg.Queue.Workers),
		job.WithProcessorLogger(logger.L()),
		job.WithProcessorCompletionHub(hub),
	}
	if cfg.Alerting.WebhookURL != "" {
		dispatcher := alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
		processorOpts = append(processorOpts, job.WithAlertDispatcher(dispatcher))
	}
	processor := job.NewProcessor(executor, store, queue, queue, processorOpts...)

	defaults := job.Limits{
		WallTimeMS:     int64(cfg.Limits.WallTimeSeconds) * 1000,
		MemoryMB:       int64(cfg.Limits.MemoryMB),
		OutputMaxBytes: cfg.Limits.OutputMaxBytes,
		LogMaxBytes:    cfg.Limits.LogMaxBytes,
	}
	service := job.NewService(store, queue, defaults,
		job.WithValidator(validator),
		job.WithCompletionHub(hub),
		job.WithRunningCanceler(processor),
		job.WithRetriesCap(cfg.Limits.MaxRetriesCap),
	)
	defer service.Close()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	// 内存队列可以直接观测深度，其余后端的深度由 broker 侧指标体现。
	if depther, ok := queue.(interface{ Depth() int }); ok {
		go reportQueueDepth(processorCtx, depther)
	}

	server := api.NewServer(cfg.Server.Address, service, artifacts)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createJobStore 按配置选择任务记录的持久化后端。
func createJobStore(cfg *config.Config) (job.Store, error) {
	switch cfg.Storage.JobStore.Driver {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.JobStore.Path), 0o755); err != nil {
			return nil, err
		}
		return job.NewSQLiteStore(cfg.Storage.JobStore.Path)
	case "mysql":
		return job.NewMySQLStore(cfg.Storage.JobStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.JobStore.Driver)
	}
}

// createQueue 按配置选择任务队列后端。所有后端均为有界队列，
// 队列满时 Publish 返回 ErrQueueFull。
func createQueue(cfg *config.Config) (job.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.Queue.Capacity), nil
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			Capacity:  cfg.Queue.Capacity,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Capacity:   cfg.Queue.Capacity,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// createSandboxEnvironment 按配置选择隔离执行环境。
func createSandboxEnvironment(cfg *config.Config) (sandbox.Environment, error) {
	switch cfg.Sandbox.Driver {
	case "", "subprocess":
		return sandbox.NewSubprocessEnvironment(cfg.Sandbox.ManimExecutable, cfg.Sandbox.MediaDir, cfg.Sandbox.KillGrace()), nil
	case "docker":
		return sandbox.NewDockerEnvironment(cfg.Sandbox.DockerImage, cfg.Sandbox.MediaDir, cfg.Sandbox.KillGrace())
	default:
		return nil, fmt.Errorf("未知的沙箱驱动: %s", cfg.Sandbox.Driver)
	}
}

// reportQueueDepth 周期性上报队列深度指标。
func reportQueueDepth(ctx context.Context, q interface{ Depth() int }) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordQueueDepth(q.Depth())
		}
	}
}
