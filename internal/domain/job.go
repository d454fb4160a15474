package domain

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Stage identifies one of the three ordered downstream processing steps.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageExtract   Stage = "extract"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageFetch, StageTransform, StageExtract}
}

// JobStatus defines the lifecycle state of a pipeline job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusFetching     JobStatus = "fetching"
	JobStatusTransforming JobStatus = "transforming"
	JobStatusExtracting   JobStatus = "extracting"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
)

// RunningStatus maps a stage to the job status that marks it in flight.
func RunningStatus(stage Stage) JobStatus {
	switch stage {
	case StageFetch:
		return JobStatusFetching
	case StageTransform:
		return JobStatusTransforming
	case StageExtract:
		return JobStatusExtracting
	}
	return JobStatusFailed
}

// Terminal reports whether no further automatic transition occurs from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobOptions are the per-stage processing options of a request. They are part
// of the idempotency key, so every field must serialize deterministically.
type JobOptions struct {
	NoiseReduce bool   `json:"noise_reduce"`
	Language    string `json:"language,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// JobRequest is the normalized client input. It is immutable once a Job has
// been created from it.
type JobRequest struct {
	MediaURL string     `json:"media_url"`
	Options  JobOptions `json:"options"`
}

// trackingParams are query parameters stripped during URL canonicalization.
// They alter nothing about the fetched resource and would otherwise split
// identical requests into distinct jobs.
var trackingParams = map[string]struct{}{
	"fbclid":       {},
	"gclid":        {},
	"ref":          {},
	"si":           {},
	"utm_campaign": {},
	"utm_content":  {},
	"utm_medium":   {},
	"utm_source":   {},
	"utm_term":     {},
}

// Normalize returns a canonical copy of the request: lowercased scheme and
// host, tracking query parameters and fragment removed, remaining query
// parameters sorted, language lowercased. Requests that normalize equal map
// onto the same job id.
func (r JobRequest) Normalize() JobRequest {
	out := r
	out.Options.Language = strings.ToLower(strings.TrimSpace(r.Options.Language))
	out.MediaURL = canonicalMediaURL(r.MediaURL)
	return out
}

func canonicalMediaURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		kept := url.Values{}
		for key, vals := range u.Query() {
			if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
				continue
			}
			kept[key] = vals
		}
		keys := make([]string, 0, len(kept))
		for key := range kept {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, key := range keys {
			for _, val := range kept[key] {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(key))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(val))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

// Validate checks the request before a job is created from it.
func (r JobRequest) Validate() error {
	raw := strings.TrimSpace(r.MediaURL)
	if raw == "" {
		return fmt.Errorf("media url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid media url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported media url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("media url host cannot be empty")
	}
	if r.Options.SampleRate < 0 {
		return fmt.Errorf("sample rate cannot be negative")
	}
	return nil
}

// StageResult records the outcome of one downstream stage for a job.
type StageResult struct {
	Stage         Stage     `json:"stage"`
	StageJobID    string    `json:"stage_job_id"`
	ArtifactBytes int64     `json:"artifact_bytes,omitempty"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Job is the unit of orchestrated work. Its ID is a pure function of the
// normalized request, so duplicate submissions collapse onto the same job.
type Job struct {
	ID           string        `json:"id"`
	Request      JobRequest    `json:"request"`
	Status       JobStatus     `json:"status"`
	StageResults []StageResult `json:"stage_results,omitempty"`
	Error        *Error        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// NewJob constructs a queued job for the given id and normalized request.
func NewJob(id string, req JobRequest, ttl time.Duration) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Request:   req,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Terminal reports whether the job reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Active reports whether the job should suppress duplicate submissions.
// Failed jobs are not active: the same request may be resubmitted for them.
func (j *Job) Active() bool {
	return j.Status != JobStatusFailed
}

// Expired reports whether the job outlived its TTL. The store's native expiry
// usually reaps the key first; this is the explicit staleness check for the
// window in between.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// Advance moves the job into the given status and bumps UpdatedAt.
func (j *Job) Advance(status JobStatus) {
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
}

// AppendStageResult records a stage outcome. Results are appended strictly in
// stage order and never exceed the number of pipeline stages.
func (j *Job) AppendStageResult(result StageResult) error {
	order := Stages()
	if len(j.StageResults) >= len(order) {
		return fmt.Errorf("job %s already has results for all stages", j.ID)
	}
	if expected := order[len(j.StageResults)]; result.Stage != expected {
		return fmt.Errorf("job %s: out-of-order stage result %s, expected %s", j.ID, result.Stage, expected)
	}
	j.StageResults = append(j.StageResults, result)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted transitions the job to its terminal success state.
func (j *Job) MarkCompleted() {
	j.Error = nil
	j.Advance(JobStatusCompleted)
}

// MarkFailed transitions the job to its terminal failure state with the
// classified error that caused it.
func (j *Job) MarkFailed(cause *Error) {
	j.Error = cause
	j.Advance(JobStatusFailed)
}

// ResetForRetry prepares a failed job for a fresh attempt under the same id:
// stage results and error are cleared, the TTL window restarts.
func (j *Job) ResetForRetry(ttl time.Duration) {
	now := time.Now().UTC()
	j.StageResults = nil
	j.Error = nil
	j.Status = JobStatusQueued
	j.UpdatedAt = now
	j.ExpiresAt = now.Add(ttl)
}
