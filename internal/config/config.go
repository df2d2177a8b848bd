package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config 描述渲染服务在启动阶段加载的全部配置。启动完成后不再修改。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Limits    LimitsConfig    `json:"limits"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Policy    PolicyConfig    `json:"policy"`
	Logging   LoggingConfig   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述任务记录的持久化后端。
type StorageConfig struct {
	JobStore JobStoreConfig `json:"job_store"`
}

// JobStoreConfig 支持 memory、sqlite 与 mysql 三种驱动。
type JobStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// QueueConfig 描述任务队列后端与调度参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Capacity int            `json:"capacity"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SandboxConfig 描述隔离执行环境。driver 支持 subprocess 与 docker。
type SandboxConfig struct {
	Driver             string `json:"driver"`
	ManimExecutable    string `json:"manim_executable"`
	MediaDir           string `json:"media_dir"`
	DockerImage        string `json:"docker_image"`
	Quality            string `json:"quality"`
	KillGraceSeconds   int    `json:"kill_grace_seconds"`
	SetupTimeoutSecond int    `json:"setup_timeout_seconds"`
}

// LimitsConfig 描述单个任务的资源上限。部署后固定，运行期只读。
type LimitsConfig struct {
	ScriptMaxBytes  int64 `json:"script_max_bytes"`
	WallTimeSeconds int   `json:"wall_time_seconds"`
	MemoryMB        int   `json:"memory_mb"`
	OutputMaxBytes  int64 `json:"output_max_bytes"`
	LogMaxBytes     int64 `json:"log_max_bytes"`
	MaxRetriesCap   int   `json:"max_retries_cap"`
}

// ArtifactsConfig 描述渲染产物的存放目录与过期策略。
type ArtifactsConfig struct {
	Dir                string `json:"dir"`
	TTLSeconds         int    `json:"ttl_seconds"`
	ReapIntervalSecond int    `json:"reap_interval_seconds"`
}

// PolicyConfig 指向脚本校验的拒绝清单策略文件。
type PolicyConfig struct {
	Path string `json:"path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// AlertingConfig 控制终态失败的告警通知。邮件与 Slack 通知器需要
// 调用方提供发送实现，不走配置文件。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Load 解析指定路径的 JSON 配置文件，并套用默认值与环境变量覆盖。
// 文件不存在时返回纯默认配置，方便本地直接启动。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case os.IsNotExist(err):
		// 使用默认配置。
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.JobStore.Path == "" {
		c.Storage.JobStore.Path = filepath.Join(baseDir, "data", "jobs.db")
	} else if !filepath.IsAbs(c.Storage.JobStore.Path) {
		c.Storage.JobStore.Path = filepath.Join(baseDir, c.Storage.JobStore.Path)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 64
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}

	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = "subprocess"
	}
	if c.Sandbox.ManimExecutable == "" {
		c.Sandbox.ManimExecutable = "manim"
	}
	if c.Sandbox.MediaDir == "" {
		c.Sandbox.MediaDir = filepath.Join(baseDir, "media")
	} else if !filepath.IsAbs(c.Sandbox.MediaDir) {
		c.Sandbox.MediaDir = filepath.Join(baseDir, c.Sandbox.MediaDir)
	}
	if c.Sandbox.DockerImage == "" {
		c.Sandbox.DockerImage = "manimcommunity/manim:stable"
	}
	if c.Sandbox.Quality == "" {
		c.Sandbox.Quality = "h"
	}
	if c.Sandbox.KillGraceSeconds <= 0 {
		c.Sandbox.KillGraceSeconds = 5
	}
	if c.Sandbox.SetupTimeoutSecond <= 0 {
		c.Sandbox.SetupTimeoutSecond = 60
	}

	if c.Limits.ScriptMaxBytes <= 0 {
		c.Limits.ScriptMaxBytes = 64 * 1024
	}
	if c.Limits.WallTimeSeconds <= 0 {
		c.Limits.WallTimeSeconds = 300
	}
	if c.Limits.MemoryMB <= 0 {
		c.Limits.MemoryMB = 2048
	}
	if c.Limits.OutputMaxBytes <= 0 {
		c.Limits.OutputMaxBytes = 512 * 1024 * 1024
	}
	if c.Limits.LogMaxBytes <= 0 {
		c.Limits.LogMaxBytes = 64 * 1024
	}
	if c.Limits.MaxRetriesCap <= 0 {
		c.Limits.MaxRetriesCap = 3
	}

	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = filepath.Join(baseDir, "artifacts")
	} else if !filepath.IsAbs(c.Artifacts.Dir) {
		c.Artifacts.Dir = filepath.Join(baseDir, c.Artifacts.Dir)
	}
	if c.Artifacts.TTLSeconds <= 0 {
		c.Artifacts.TTLSeconds = 24 * 60 * 60
	}
	if c.Artifacts.ReapIntervalSecond <= 0 {
		c.Artifacts.ReapIntervalSecond = 60
	}

	if c.Policy.Path != "" && !filepath.IsAbs(c.Policy.Path) {
		c.Policy.Path = filepath.Join(baseDir, c.Policy.Path)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnvOverrides 套用部署层面的环境变量覆盖。MANIM_EXECUTABLE 与
// MEDIA_DIR 沿用原有部署约定。
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("MANIM_EXECUTABLE"); v != "" {
		c.Sandbox.ManimExecutable = v
	}
	if v := os.Getenv("MEDIA_DIR"); v != "" {
		c.Sandbox.MediaDir = v
	}

	overrides := []struct {
		env    string
		assign func(int)
	}{
		{"RENDER_QUEUE_CAPACITY", func(n int) { c.Queue.Capacity = n }},
		{"RENDER_WORKERS", func(n int) { c.Queue.Workers = n }},
		{"RENDER_WALL_TIME_SECONDS", func(n int) { c.Limits.WallTimeSeconds = n }},
		{"RENDER_MEMORY_MB", func(n int) { c.Limits.MemoryMB = n }},
		{"ARTIFACT_TTL_SECONDS", func(n int) { c.Artifacts.TTLSeconds = n }},
	}
	for _, o := range overrides {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("环境变量 %s 的取值非法: %q", o.env, raw)
		}
		o.assign(n)
	}
	if raw := os.Getenv("RENDER_OUTPUT_MAX_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("环境变量 RENDER_OUTPUT_MAX_BYTES 的取值非法: %q", raw)
		}
		c.Limits.OutputMaxBytes = n
	}
	return nil
}

// WallTime 返回单任务的墙钟时间上限。
func (l LimitsConfig) WallTime() time.Duration {
	return time.Duration(l.WallTimeSeconds) * time.Second
}

// TTL 返回产物的存活时长。
func (a ArtifactsConfig) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

// ReapInterval 返回产物清理的巡检间隔。
func (a ArtifactsConfig) ReapInterval() time.Duration {
	return time.Duration(a.ReapIntervalSecond) * time.Second
}

// KillGrace 返回取消信号发出后到强制终止之间的宽限时长。
func (s SandboxConfig) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}

// SetupTimeout 返回沙箱环境准备阶段的超时时间。
func (s SandboxConfig) SetupTimeout() time.Duration {
	return time.Duration(s.SetupTimeoutSecond) * time.Second
}
