package manimmcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitReturnsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Script == "" {
			t.Fatal("expected script in payload")
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{JobID: "job-1", Status: "queued"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	job, err := client.Submit(context.Background(), SubmitRequest{Script: "from manim import *"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.JobID != "job-1" || job.Status != "queued" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestGetJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "JOB_NOT_FOUND", Message: "missing"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.Get(context.Background(), "job-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitUntilTerminalPolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Job{JobID: "job-1", Status: status})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.WaitUntilTerminal(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}

func TestDownloadArtifactVerifiesChecksum(t *testing.T) {
	content := []byte("fake mp4 bytes")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/artifacts/"+hash {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-Checksum-SHA256", hash)
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	var buf bytes.Buffer
	written, err := client.DownloadArtifact(context.Background(), hash, &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if written != int64(len(content)) || !bytes.Equal(buf.Bytes(), content) {
		t.Fatal("downloaded bytes mismatch")
	}
}

func TestDownloadArtifactChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Checksum-SHA256", "deadbeef")
		_, _ = w.Write([]byte("corrupted"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	var buf bytes.Buffer
	if _, err := client.DownloadArtifact(context.Background(), "deadbeef", &buf); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestCancelJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/job-1/cancel" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(CancelResult{Accepted: true, Job: Job{JobID: "job-1", Status: "canceled"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.Cancel(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !result.Accepted || result.Job.Status != "canceled" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
