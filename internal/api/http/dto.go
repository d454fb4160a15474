package http

import (
	"media-pipeline/internal/domain"
)

// JobOptionsRequest is the DTO for per-stage processing options.
type JobOptionsRequest struct {
	NoiseReduce bool   `json:"noise_reduce"`
	Language    string `json:"language" validate:"omitempty,bcp47_language_tag"`
	SampleRate  int    `json:"sample_rate" validate:"omitempty,oneof=8000 16000 22050 44100 48000"`
}

// SubmitJobRequest is the Data Transfer Object for submitting a pipeline job.
type SubmitJobRequest struct {
	MediaURL string            `json:"media_url" validate:"required,max=2048,mediaurl"`
	Options  JobOptionsRequest `json:"options"`
}

// ToDomainRequest converts the DTO to a domain.JobRequest. Normalization
// happens inside the service so the idempotency key sees canonical input.
func (r *SubmitJobRequest) ToDomainRequest() domain.JobRequest {
	return domain.JobRequest{
		MediaURL: r.MediaURL,
		Options: domain.JobOptions{
			NoiseReduce: r.Options.NoiseReduce,
			Language:    r.Options.Language,
			SampleRate:  r.Options.SampleRate,
		},
	}
}
