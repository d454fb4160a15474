package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/idempotency"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PipelineService implements the client-facing operations: idempotent job
// submission with deduplication, and status reads.
//
// Two layers serialize concurrent submissions of the same request: a keyed
// in-process mutex covers flows inside one orchestrator, and the distributed
// locker covers the existence-check-then-create window across replicas. The
// deterministic job id makes both locks cheap to address.
type PipelineService struct {
	store  domain.JobStore
	locker domain.Locker
	coord  *Coordinator
	ttl    time.Duration

	// runCtx detaches coordinator flows from the submitting request:
	// flows outlive their HTTP request and stop only on process shutdown.
	runCtx context.Context
	slots  chan struct{}
	keys   keyedMutex

	logger *slog.Logger
	tracer trace.Tracer
}

// NewPipelineService constructs the submission service. locker may be nil
// when a single orchestrator instance runs (and in tests); maxConcurrent
// bounds the number of coordinator flows running at once.
func NewPipelineService(runCtx context.Context, store domain.JobStore, locker domain.Locker, coord *Coordinator, ttl time.Duration, maxConcurrent int, logger *slog.Logger) *PipelineService {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &PipelineService{
		store:  store,
		locker: locker,
		coord:  coord,
		ttl:    ttl,
		runCtx: runCtx,
		slots:  make(chan struct{}, maxConcurrent),
		logger: logger.With("component", "pipeline-service"),
		tracer: otel.Tracer("pipeline-service"),
	}
}

// Submit handles one client request. Identical normalized requests collapse
// onto the same deterministic job id: an active or completed job is returned
// unchanged, a failed job is reset and restarted under its id, and only a
// genuinely new request spawns a coordinator flow.
func (s *PipelineService) Submit(ctx context.Context, req domain.JobRequest) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()

	normalized := req.Normalize()
	if err := normalized.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, domain.NewValidationError("%s", err)
	}

	id := idempotency.FromRequest(normalized)
	span.SetAttributes(attribute.String("job.id", id))

	unlock := s.keys.lock(id)
	defer unlock()

	// Fast path: an active job already exists, so the request collapses onto
	// it without touching the distributed lock.
	if ok, err := s.store.ExistsActive(ctx, id); err == nil && ok {
		if job, gerr := s.store.Get(ctx, id); gerr == nil && job.Active() && !job.Expired(time.Now()) {
			span.SetAttributes(attribute.Bool("job.deduplicated", true))
			s.logger.Info("duplicate submission collapsed onto existing job", "job_id", id, "status", string(job.Status))
			return job, nil
		}
	}

	if s.locker != nil {
		lock, err := s.locker.Lock(ctx, id)
		switch {
		case err == nil:
			defer func() {
				if uerr := lock.Unlock(ctx); uerr != nil {
					s.logger.Warn("failed to release submit lock", "job_id", id, "error", uerr)
				}
			}()
		case errors.Is(err, domain.ErrLockNotAcquired):
			// Another replica is creating this job right now. Return
			// whatever state exists; never create a duplicate.
			if job, gerr := s.store.Get(ctx, id); gerr == nil {
				span.SetAttributes(attribute.Bool("job.deduplicated", true))
				return job, nil
			}
			return nil, domain.NewTransientError("job %s is being submitted elsewhere, retry shortly", id)
		default:
			s.logger.Warn("submit lock unavailable, proceeding with local serialization only", "job_id", id, "error", err)
		}
	}

	existing, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		if !existing.Expired(time.Now()) {
			if existing.Active() {
				// Duplicate suppression: queued, running and completed
				// jobs are returned unchanged.
				span.SetAttributes(attribute.Bool("job.deduplicated", true))
				s.logger.Info("duplicate submission collapsed onto existing job", "job_id", id, "status", string(existing.Status))
				return existing, nil
			}
			// Failed jobs are resubmittable under the same id.
			existing.ResetForRetry(s.ttl)
			if err := s.store.Save(ctx, existing); err != nil {
				span.RecordError(err)
				return nil, err
			}
			s.logger.Info("failed job resubmitted", "job_id", id)
			s.dispatch(existing)
			return existing, nil
		}
		// Stale record the store has not reaped yet; treat as absent.
	case errors.Is(err, domain.ErrJobNotFound):
		// Fall through to creation.
	default:
		// Store unavailability must never be treated as "not found":
		// creating a job here could duplicate work already in flight.
		span.RecordError(err)
		span.SetStatus(codes.Error, "job store unavailable")
		return nil, err
	}

	job := domain.NewJob(id, normalized, s.ttl)
	if err := s.store.Save(ctx, job); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("job created", "job_id", id, "media_url", normalized.MediaURL)
	s.dispatch(job)
	return job, nil
}

// Status returns the job for a client status query, applying the explicit
// staleness check on top of the store's native expiry.
func (s *PipelineService) Status(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.Status")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "job store unavailable")
		}
		return nil, err
	}
	if job.Expired(time.Now()) {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// dispatch hands the job to a coordinator flow. The semaphore bounds worker
// capacity; excess jobs stay queued until a slot frees or shutdown begins.
func (s *PipelineService) dispatch(job *domain.Job) {
	go func() {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-s.runCtx.Done():
			return
		}
		s.coord.Run(s.runCtx, job)
	}()
}

// keyedMutex serializes goroutines per job id without holding a lock table
// entry for ids nobody is submitting.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (m *keyedMutex) lock(id string) func() {
	for {
		m.mu.Lock()
		if m.held == nil {
			m.held = make(map[string]chan struct{})
		}
		ch, busy := m.held[id]
		if !busy {
			done := make(chan struct{})
			m.held[id] = done
			m.mu.Unlock()
			return func() {
				m.mu.Lock()
				delete(m.held, id)
				m.mu.Unlock()
				close(done)
			}
		}
		m.mu.Unlock()
		<-ch
	}
}
