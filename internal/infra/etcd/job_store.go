// internal/infra/etcd/job_store.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"media-pipeline/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// JobKeyDir is the etcd prefix holding pipeline job state.
	JobKeyDir = "/pipeline/jobs/"
)

type etcdJobStore struct {
	client *clientv3.Client
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
}

// NewJobStore creates a job store backed by etcd. Jobs are stored as JSON
// under JobKeyDir with a per-key lease of the given TTL; every Save attaches
// a fresh lease, so the native expiry window restarts on each transition.
func NewJobStore(client *clientv3.Client, ttl time.Duration, logger *slog.Logger) domain.JobStore {
	return &etcdJobStore{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "etcd-job-store"),
		tracer: otel.Tracer("pipeline-etcd-job-store"),
	}
}

// Get retrieves a job. Store unavailability surfaces as an ErrorKindStore
// error, never as ErrJobNotFound.
func (s *etcdJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	resp, err := s.client.Get(ctx, path.Join(JobKeyDir, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from etcd")
		return nil, domain.NewStoreError("get job %s: %s", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrJobNotFound
	}

	var job domain.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		span.RecordError(err)
		return nil, domain.NewStoreError("unmarshal job %s: %s", id, err)
	}
	return &job, nil
}

// Save upserts the job under a fresh lease so the TTL restarts with every
// status transition.
func (s *etcdJobStore) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	lease, err := s.client.Grant(ctx, int64(s.ttl.Seconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to grant job lease")
		return domain.NewStoreError("grant lease for job %s: %s", job.ID, err)
	}

	key := path.Join(JobKeyDir, job.ID)
	if _, err := s.client.Put(ctx, key, string(jobJSON), clientv3.WithLease(lease.ID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job to etcd")
		return domain.NewStoreError("save job %s: %s", job.ID, err)
	}
	return nil
}

// ExistsActive reports whether a non-failed job with this id exists.
func (s *etcdJobStore) ExistsActive(ctx context.Context, id string) (bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	return job.Active(), nil
}
