package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"media-pipeline/internal/breaker"
	"media-pipeline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, baseURL string, br *breaker.Breaker) *StageClient {
	t.Helper()
	if br == nil {
		br = breaker.New("fetch", breaker.DefaultSettings(), testLogger())
	}
	settings := RetrySettings{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	return NewStageClient("fetch", baseURL, br, settings, testLogger(),
		WithSleeper(func(time.Duration) {}),
		WithRand(func() float64 { return 0 }),
	)
}

func TestSubmitJobRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "job-1" {
			t.Errorf("correlation header = %q, want %q", got, "job-1")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("media_url"); got != "https://example.com/a.mp4" {
			t.Errorf("media_url field = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"stage_job_id":"sj-42"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	id, err := c.SubmitJob(context.Background(), "job-1", domain.StageSubmission{
		Params: map[string]string{"media_url": "https://example.com/a.mp4"},
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if id != "sj-42" {
		t.Errorf("stage job id = %q, want sj-42", id)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestSubmitJobExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New("fetch", breaker.DefaultSettings(), testLogger())
	c := testClient(t, srv.URL, br)
	_, err := c.SubmitJob(context.Background(), "job-1", domain.StageSubmission{})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !domain.IsKind(err, domain.ErrorKindTransient) {
		t.Errorf("error kind = %v, want transient_service", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
	if br.ConsecutiveFailures() != 3 {
		t.Errorf("breaker failures = %d, want 3", br.ConsecutiveFailures())
	}
}

func TestValidationFailureNotRetriedAndBreakerUntouched(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported media url", http.StatusBadRequest)
	}))
	defer srv.Close()

	br := breaker.New("fetch", breaker.DefaultSettings(), testLogger())
	c := testClient(t, srv.URL, br)
	_, err := c.SubmitJob(context.Background(), "job-1", domain.StageSubmission{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !domain.IsKind(err, domain.ErrorKindValidation) {
		t.Errorf("error kind = %v, want validation", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
	if br.ConsecutiveFailures() != 0 {
		t.Errorf("breaker failures = %d, want 0", br.ConsecutiveFailures())
	}
	if br.State() != breaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", br.State())
	}
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"succeeded","progress":1}`))
	}))
	defer srv.Close()

	br := breaker.New("fetch", breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour, ProbeBudget: 1}, testLogger())
	br.RecordFailure()
	if br.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", br.State())
	}

	c := testClient(t, srv.URL, br)
	_, err := c.JobStatus(context.Background(), "job-1", "sj-1")
	if err == nil {
		t.Fatal("expected rejection from open breaker")
	}
	if !domain.IsKind(err, domain.ErrorKindUnavailable) {
		t.Errorf("error kind = %v, want service_unavailable", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server calls = %d, want 0 (no network attempt)", calls.Load())
	}
}

func TestJobStatusDecodesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stage/jobs/sj-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"running","progress":0.5}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	status, err := c.JobStatus(context.Background(), "job-1", "sj-1")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if status.State != domain.StageStateRunning || status.Progress != 0.5 {
		t.Errorf("status = %+v", status)
	}
}

func TestFetchArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stage/jobs/sj-1/artifact" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte("artifact-payload"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	data, err := c.FetchArtifact(context.Background(), "job-1", "sj-1")
	if err != nil {
		t.Fatalf("FetchArtifact: %v", err)
	}
	if string(data) != "artifact-payload" {
		t.Errorf("artifact = %q", data)
	}
}

func TestSubmissionArtifactRidesAlong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		files := r.MultipartForm.File["artifact"]
		if len(files) != 1 {
			t.Fatalf("artifact parts = %d, want 1", len(files))
		}
		if files[0].Filename != "transform-input.bin" {
			t.Errorf("artifact filename = %q", files[0].Filename)
		}
		f, _ := files[0].Open()
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "previous-output" {
			t.Errorf("artifact bytes = %q", data)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"stage_job_id":"sj-2"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	_, err := c.SubmitJob(context.Background(), "job-1", domain.StageSubmission{
		Params:       map[string]string{"noise_reduce": "true"},
		Artifact:     []byte("previous-output"),
		ArtifactName: "transform-input.bin",
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
}

func TestCancelledContextReportsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(t, srv.URL, nil)
	_, err := c.JobStatus(ctx, "job-1", "sj-1")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !domain.IsKind(err, domain.ErrorKindTimeout) {
		t.Errorf("error kind = %v, want timeout", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	br := breaker.New("fetch", breaker.DefaultSettings(), testLogger())
	c := NewStageClient("fetch", "http://unused", br, RetrySettings{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
	}, testLogger(), WithRand(func() float64 { return 0 }))

	if got := c.backoffDelay(1); got != 100*time.Millisecond {
		t.Errorf("delay after attempt 1 = %s", got)
	}
	if got := c.backoffDelay(2); got != 200*time.Millisecond {
		t.Errorf("delay after attempt 2 = %s", got)
	}
	if got := c.backoffDelay(4); got != 300*time.Millisecond {
		t.Errorf("delay after attempt 4 = %s, want cap", got)
	}
}
