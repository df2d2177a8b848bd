package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ManimMCP-Render/internal/artifact"
	xerrors "ManimMCP-Render/internal/errors"
	"ManimMCP-Render/internal/job"
	"ManimMCP-Render/internal/observability/metrics"
	"ManimMCP-Render/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交与跟踪渲染任务。
type Server struct {
	addr      string
	jobs      *job.Service
	artifacts *artifact.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs *job.Service, artifacts *artifact.Store) *Server {
	return &Server{addr: addr, jobs: jobs, artifacts: artifacts}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.instrument("jobs", s.handleJobs))
	mux.HandleFunc("/api/v1/jobs/stats", s.instrument("job_stats", s.handleStats))
	mux.HandleFunc("/api/v1/jobs/", s.instrument("job", s.handleJobByID))
	mux.HandleFunc("/api/v1/artifacts/", s.instrument("artifact", s.handleArtifact))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealthz))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个接口的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type artifactResponse struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

type jobResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	Quality     string            `json:"quality,omitempty"`
	Scene       string            `json:"scene,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Artifact    *artifactResponse `json:"artifact,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
	SubmittedAt int64             `json:"submitted_at"`
	StartedAt   int64             `json:"started_at,omitempty"`
	FinishedAt  int64             `json:"finished_at,omitempty"`
}

func renderJob(j *job.Job) jobResponse {
	resp := jobResponse{
		JobID:       j.ID,
		Status:      string(j.Status),
		Quality:     j.Params.Quality,
		Scene:       j.Params.Scene,
		Attempts:    j.Attempts,
		MaxRetries:  j.MaxRetries,
		ErrorCode:   j.ErrorCode,
		Message:     j.LastError,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.Result != nil {
		resp.DurationMS = j.Result.DurationMS
		if j.Result.ArtifactHash != "" {
			resp.Artifact = &artifactResponse{
				Hash: j.Result.ArtifactHash,
				Size: j.Result.ArtifactSize,
				URL:  "/api/v1/artifacts/" + j.Result.ArtifactHash,
			}
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射为 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case job.CodeValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case job.CodeCapacity:
		status = http.StatusTooManyRequests
	case job.CodeJobNotFound, artifact.CodeArtifactNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case job.CodeJobConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type submitPayload struct {
	Script         string `json:"script"`
	Quality        string `json:"quality,omitempty"`
	Scene          string `json:"scene,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	Params         *struct {
		Quality string `json:"quality,omitempty"`
		Scene   string `json:"scene,omitempty"`
	} `json:"params,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(job.CodeValidation), Message: "请求体解析失败"})
		return
	}
	req := job.SubmitRequest{
		Script:         payload.Script,
		Quality:        payload.Quality,
		Scene:          payload.Scene,
		IdempotencyKey: payload.IdempotencyKey,
		MaxRetries:     payload.MaxRetries,
	}
	// params 嵌套写法与顶层字段等价，嵌套优先。
	if payload.Params != nil {
		if payload.Params.Quality != "" {
			req.Quality = payload.Params.Quality
		}
		if payload.Params.Scene != "" {
			req.Scene = payload.Params.Scene
		}
	}

	submitted, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderJob(submitted))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts := make([]job.ListOption, 0, 3)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithOffset(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := make([]job.Status, 0, 2)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, job.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}

	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		payload = append(payload, renderJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": payload})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		s.handleCancel(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	found, err := s.jobs.Get(r.Context(), rest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderJob(found))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	result, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// 排队任务立即取消；运行中任务取消为异步请求。
	accepted := result.Status == job.StatusCanceled || result.Status == job.StatusRunning
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"job":      renderJob(result),
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.artifacts == nil {
		http.Error(w, "制品库未初始化", http.StatusServiceUnavailable)
		return
	}
	hash := strings.TrimPrefix(r.URL.Path, "/api/v1/artifacts/")
	if hash == "" || strings.Contains(hash, "/") {
		http.NotFound(w, r)
		return
	}

	reader, ref, err := s.artifacts.Open(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	w.Header().Set("X-Checksum-SHA256", ref.Hash)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		// 响应头已经发出，只能记录。
		logger.L().Warn("产物传输中断",
			slog.Any("error", err), slog.String("hash", hash))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
