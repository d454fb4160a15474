// internal/infra/http/stage_client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"time"

	"media-pipeline/internal/breaker"
	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 10 * time.Second
	defaultJitterFraction = 0.25

	// correlationHeader carries the orchestrator's job id on every
	// outbound call so logs and traces line up across services.
	correlationHeader = "X-Correlation-ID"
)

// RetrySettings tune the bounded retry loop around each stage call.
type RetrySettings struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	RequestTimeout time.Duration
}

// httpStatusError is an internal error carrying the downstream status code so
// the retry loop can classify it.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// StageClient implements domain.StageService over HTTP for one downstream
// stage service. Every call runs through a bounded retry loop with
// exponential backoff and multiplicative jitter; transport and 5xx failures
// are reported to the service's circuit breaker, 4xx validation failures are
// returned immediately and never touch it.
type StageClient struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *breaker.Breaker

	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterFraction float64

	sleeper   func(time.Duration)
	randFloat func() float64

	logger *slog.Logger
	tracer trace.Tracer
}

// Option customizes the client.
type Option func(*StageClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *StageClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *StageClient) {
		c.sleeper = sleeper
	}
}

// WithRand overrides the jitter source (useful for tests).
func WithRand(randFloat func() float64) Option {
	return func(c *StageClient) {
		c.randFloat = randFloat
	}
}

// NewStageClient constructs a resilient client for the named downstream
// service. The breaker must be the one instance shared by all callers
// targeting that service.
func NewStageClient(name, baseURL string, br *breaker.Breaker, settings RetrySettings, logger *slog.Logger, opts ...Option) *StageClient {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = defaultMaxAttempts
	}
	if settings.BaseDelay <= 0 {
		settings.BaseDelay = defaultBaseDelay
	}
	if settings.MaxDelay <= 0 {
		settings.MaxDelay = defaultMaxDelay
	}
	if settings.JitterFraction < 0 {
		settings.JitterFraction = defaultJitterFraction
	}
	timeout := settings.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &StageClient{
		name:           name,
		baseURL:        baseURL,
		client:         &http.Client{Timeout: timeout},
		breaker:        br,
		maxAttempts:    settings.MaxAttempts,
		baseDelay:      settings.BaseDelay,
		maxDelay:       settings.MaxDelay,
		jitterFraction: settings.JitterFraction,
		randFloat:      rand.Float64,
		logger:         logger.With("component", "stage-client", "service", name),
		tracer:         otel.Tracer("pipeline-stage-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitJob starts a downstream job. Parameters go out as multipart form
// fields; for stages after the first the previous stage's artifact rides
// along as a file part.
func (c *StageClient) SubmitJob(ctx context.Context, jobID string, sub domain.StageSubmission) (string, error) {
	ctx, span := c.tracer.Start(ctx, "stage."+c.name+".SubmitJob",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	body, contentType, err := encodeSubmission(sub)
	if err != nil {
		span.RecordError(err)
		return "", domain.NewValidationError("encode %s submission: %s", c.name, err)
	}

	var stageJobID string
	err = c.call(ctx, jobID, "submit", func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/stage/jobs", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(correlationHeader, jobID)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, err := readResponse(resp)
		if err != nil {
			return err
		}
		var decoded struct {
			StageJobID string `json:"stage_job_id"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return fmt.Errorf("decode submit response: %w", err)
		}
		if decoded.StageJobID == "" {
			return fmt.Errorf("submit response missing stage_job_id")
		}
		stageJobID = decoded.StageJobID
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage submission failed")
		return "", err
	}
	span.SetAttributes(attribute.String("stage.job_id", stageJobID))
	return stageJobID, nil
}

// JobStatus polls the downstream job status endpoint.
func (c *StageClient) JobStatus(ctx context.Context, jobID, stageJobID string) (domain.StageStatus, error) {
	ctx, span := c.tracer.Start(ctx, "stage."+c.name+".JobStatus",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("stage.job_id", stageJobID),
		))
	defer span.End()

	var status domain.StageStatus
	err := c.call(ctx, jobID, "status", func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.baseURL+"/stage/jobs/"+url.PathEscape(stageJobID), nil)
		if err != nil {
			return err
		}
		req.Header.Set(correlationHeader, jobID)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, err := readResponse(resp)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, &status); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage status poll failed")
		return domain.StageStatus{}, err
	}
	span.SetAttributes(attribute.String("stage.state", string(status.State)))
	return status, nil
}

// FetchArtifact retrieves the output byte stream of a finished downstream job.
func (c *StageClient) FetchArtifact(ctx context.Context, jobID, stageJobID string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "stage."+c.name+".FetchArtifact",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("stage.job_id", stageJobID),
		))
	defer span.End()

	var artifact []byte
	err := c.call(ctx, jobID, "artifact", func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.baseURL+"/stage/jobs/"+url.PathEscape(stageJobID)+"/artifact", nil)
		if err != nil {
			return err
		}
		req.Header.Set(correlationHeader, jobID)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, err := readResponse(resp)
		if err != nil {
			return err
		}
		artifact = payload
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "artifact fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("artifact.bytes", len(artifact)))
	return artifact, nil
}

// CheckLiveness probes the service health endpoint. It deliberately bypasses
// both the retry loop and the circuit breaker: probe flakiness is a dashboard
// concern, not an operational failure.
func (c *StageClient) CheckLiveness(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service %s liveness: http %d", c.name, resp.StatusCode)
	}
	return nil
}

// call runs one logical stage operation through the retry loop. Before each
// attempt the breaker is consulted; an open breaker short-circuits without a
// network attempt and without consuming a retry slot.
func (c *StageClient) call(ctx context.Context, jobID, op string, attempt func(context.Context) error) error {
	var lastErr error
	for i := 1; i <= c.maxAttempts; i++ {
		if err := c.breaker.Allow(); err != nil {
			metrics.StageCallsTotal.WithLabelValues(c.name, op, "rejected").Inc()
			return err
		}
		if err := ctx.Err(); err != nil {
			return domain.NewTimeoutError("%s %s: %s", c.name, op, err)
		}

		err := attempt(ctx)
		if err == nil {
			c.breaker.RecordSuccess()
			metrics.StageCallsTotal.WithLabelValues(c.name, op, "success").Inc()
			return nil
		}

		if isValidationFailure(err) {
			// A malformed request, not service unavailability. Terminal,
			// and invisible to the breaker.
			metrics.StageCallsTotal.WithLabelValues(c.name, op, "invalid").Inc()
			return domain.NewValidationError("%s %s rejected: %s", c.name, op, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.NewTimeoutError("%s %s: %s", c.name, op, err)
		}

		c.breaker.RecordFailure()
		lastErr = err
		c.logger.Warn("stage call failed", "operation", op, "job_id", jobID, "attempt", i, "error", err)

		if i == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, c.backoffDelay(i)); err != nil {
			return domain.NewTimeoutError("%s %s: %s", c.name, op, err)
		}
	}
	metrics.StageCallsTotal.WithLabelValues(c.name, op, "failed").Inc()
	return domain.NewTransientError("%s %s failed after %d attempts: %s", c.name, op, c.maxAttempts, lastErr)
}

// backoffDelay computes the wait before the attempt after number attempt:
// base * 2^(attempt-1) plus a random fraction of itself, capped at maxDelay.
func (c *StageClient) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > c.maxDelay/2 {
			delay = c.maxDelay
			break
		}
		delay *= 2
	}
	if c.jitterFraction > 0 {
		delay += time.Duration(c.randFloat() * c.jitterFraction * float64(delay))
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func (c *StageClient) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isValidationFailure reports whether the downstream rejected the request as
// malformed (4xx-class).
func isValidationFailure(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return false
}

// readResponse drains the body and converts non-2xx statuses into
// classifiable errors.
func readResponse(resp *http.Response) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		snippet := payload
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return payload, nil
}

// encodeSubmission renders the submission as a multipart body once, so retry
// attempts can replay it from memory.
func encodeSubmission(sub domain.StageSubmission) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(sub.Params))
	for key := range sub.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := writer.WriteField(key, sub.Params[key]); err != nil {
			return nil, "", err
		}
	}

	if sub.Artifact != nil {
		name := sub.ArtifactName
		if name == "" {
			name = "artifact.bin"
		}
		part, err := writer.CreateFormFile("artifact", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(sub.Artifact); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
