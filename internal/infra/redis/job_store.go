// internal/infra/redis/job_store.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-pipeline/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type redisJobStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
}

// NewJobStore creates a job store backed by redis. Jobs are stored as JSON
// under job:<id> with a per-key TTL refreshed on every save, matching the
// etcd backend's lease semantics.
func NewJobStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) domain.JobStore {
	return &redisJobStore{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis-job-store"),
		tracer: otel.Tracer("pipeline-redis-job-store"),
	}
}

func jobKey(id string) string {
	return "job:" + id
}

// Get retrieves a job. Store unavailability surfaces as an ErrorKindStore
// error, never as ErrJobNotFound.
func (s *redisJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "store.redis.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	raw, err := s.client.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from redis")
		return nil, domain.NewStoreError("get job %s: %s", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		span.RecordError(err)
		return nil, domain.NewStoreError("unmarshal job %s: %s", id, err)
	}
	return &job, nil
}

// Save upserts the job with a fresh TTL.
func (s *redisJobStore) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "store.redis.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), jobJSON, s.ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set job in redis")
		return domain.NewStoreError("save job %s: %s", job.ID, err)
	}
	return nil
}

// ExistsActive reports whether a non-failed job with this id exists.
func (s *redisJobStore) ExistsActive(ctx context.Context, id string) (bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	return job.Active(), nil
}
