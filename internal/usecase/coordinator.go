package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PipelineStage binds one ordered stage to the client for its downstream
// service.
type PipelineStage struct {
	Name    domain.Stage
	Service domain.StageService
}

// Coordinator drives one job through the downstream services in order:
// submit, poll until terminal, fetch the artifact, feed it to the next stage.
// The job is persisted after every transition so a restarted orchestrator can
// read consistent state; each coordinator flow owns its job exclusively.
type Coordinator struct {
	store  domain.JobStore
	stages []PipelineStage
	poller *PollSupervisor
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCoordinator constructs the stage coordinator. Stages must be supplied in
// pipeline order.
func NewCoordinator(store domain.JobStore, stages []PipelineStage, poller *PollSupervisor, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		stages: stages,
		poller: poller,
		logger: logger.With("component", "coordinator"),
		tracer: otel.Tracer("pipeline-coordinator"),
	}
}

// Run executes the whole pipeline for one job. Any stage failure marks the
// job failed with its classified error; a cancelled context surfaces as a
// timeout. Run never returns an error: the job record is the result.
func (c *Coordinator) Run(ctx context.Context, job *domain.Job) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Run",
		trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	logger := c.logger.With("job_id", job.ID)
	logger.Info("starting pipeline", "media_url", job.Request.MediaURL)

	var artifact []byte
	for _, stage := range c.stages {
		job.Advance(domain.RunningStatus(stage.Name))
		if err := c.store.Save(ctx, job); err != nil {
			c.fail(logger, span, job, domain.AsError(err))
			return
		}

		next, err := c.runStage(ctx, logger, job, stage, artifact)
		if err != nil {
			c.fail(logger, span, job, domain.AsError(err))
			return
		}
		artifact = next

		if err := c.store.Save(ctx, job); err != nil {
			c.fail(logger, span, job, domain.AsError(err))
			return
		}
	}

	job.MarkCompleted()
	if err := c.store.Save(ctx, job); err != nil {
		c.fail(logger, span, job, domain.AsError(err))
		return
	}
	metrics.JobsTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
	span.SetStatus(codes.Ok, "pipeline completed")
	logger.Info("pipeline completed", "stages", len(job.StageResults))
}

// runStage submits one downstream job, waits for its terminal status and
// returns its output artifact.
func (c *Coordinator) runStage(ctx context.Context, logger *slog.Logger, job *domain.Job, stage PipelineStage, artifact []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Stage",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("stage", string(stage.Name)),
		))
	defer span.End()

	sub := buildSubmission(job.Request, stage.Name, artifact)
	stageJobID, err := stage.Service.SubmitJob(ctx, job.ID, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage submission failed")
		return nil, err
	}
	logger.Info("stage job submitted", "stage", string(stage.Name), "stage_job_id", stageJobID)

	status, err := c.poller.WaitUntilTerminal(ctx, stage.Service, stage.Name, job.ID, stageJobID)
	if err != nil {
		recordFailedStage(job, stage.Name, stageJobID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage wait failed")
		return nil, err
	}
	if status.State != domain.StageStateSucceeded {
		err := domain.NewTransientError("stage %s job %s failed downstream: %s", stage.Name, stageJobID, status.Error)
		recordFailedStage(job, stage.Name, stageJobID, err)
		span.SetStatus(codes.Error, "downstream stage failed")
		return nil, err
	}

	out, err := stage.Service.FetchArtifact(ctx, job.ID, stageJobID)
	if err != nil {
		recordFailedStage(job, stage.Name, stageJobID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "artifact fetch failed")
		return nil, err
	}

	if err := job.AppendStageResult(domain.StageResult{
		Stage:         stage.Name,
		StageJobID:    stageJobID,
		ArtifactBytes: int64(len(out)),
		CompletedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("artifact.bytes", len(out)))
	return out, nil
}

// fail marks the job failed, persists it and logs with a severity matching
// the error class: unavailable and timeout indicate a systemic condition an
// operator can act on, the rest are per-job outcomes.
func (c *Coordinator) fail(logger *slog.Logger, span trace.Span, job *domain.Job, cause *domain.Error) {
	job.MarkFailed(cause)

	// Persist on a detached context: the flow's own context may already be
	// cancelled, and the terminal record must still land in the store.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Save(saveCtx, job); err != nil {
		logger.Error("failed to persist failed job", "error", err)
	}

	metrics.JobsTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, "pipeline failed")

	switch cause.Kind {
	case domain.ErrorKindUnavailable, domain.ErrorKindTimeout:
		logger.Error("pipeline failed", "kind", string(cause.Kind), "error", cause.Message)
	default:
		logger.Warn("pipeline failed", "kind", string(cause.Kind), "error", cause.Message)
	}
}

// recordFailedStage appends a best-effort stage result carrying the error.
// Append only succeeds when the failing stage is the next in order, which is
// always the case for a coordinator-owned job.
func recordFailedStage(job *domain.Job, stage domain.Stage, stageJobID string, cause error) {
	_ = job.AppendStageResult(domain.StageResult{
		Stage:       stage,
		StageJobID:  stageJobID,
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
	})
}

// buildSubmission assembles the parameters each stage needs from the job
// request, plus the previous stage's artifact for stages after the first.
func buildSubmission(req domain.JobRequest, stage domain.Stage, artifact []byte) domain.StageSubmission {
	params := map[string]string{}
	switch stage {
	case domain.StageFetch:
		params["media_url"] = req.MediaURL
	case domain.StageTransform:
		params["noise_reduce"] = strconv.FormatBool(req.Options.NoiseReduce)
		if req.Options.SampleRate > 0 {
			params["sample_rate"] = strconv.Itoa(req.Options.SampleRate)
		}
	case domain.StageExtract:
		if req.Options.Language != "" {
			params["language"] = req.Options.Language
		}
	}
	return domain.StageSubmission{
		Params:       params,
		Artifact:     artifact,
		ArtifactName: fmt.Sprintf("%s-input.bin", stage),
	}
}
