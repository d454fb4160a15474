// Package testsupport provides in-memory fakes shared across package tests.
package testsupport

import (
	"context"
	"fmt"
	"sync"

	"media-pipeline/internal/domain"
)

// MemoryJobStore is an in-memory domain.JobStore for tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job

	// FailNext makes the next call return a store error, simulating backend
	// unavailability.
	FailNext bool
	saves    int
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]domain.Job)}
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return nil, domain.NewStoreError("store unavailable")
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := job
	return &copied, nil
}

func (s *MemoryJobStore) Save(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return domain.NewStoreError("store unavailable")
	}
	s.jobs[job.ID] = *job
	s.saves++
	return nil
}

func (s *MemoryJobStore) ExistsActive(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return ok && job.Active(), nil
}

// Saves reports how many Save calls succeeded.
func (s *MemoryJobStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Len reports how many jobs the store holds.
func (s *MemoryJobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// StageCall records one scripted interaction with a FakeStageService.
type StageCall struct {
	Op         string
	JobID      string
	StageJobID string
	Submission domain.StageSubmission
}

// FakeStageService is a scriptable domain.StageService. By default every
// submission succeeds immediately with a deterministic artifact.
type FakeStageService struct {
	mu    sync.Mutex
	calls []StageCall
	seq   int

	// SubmitErr, when set, is returned by SubmitJob.
	SubmitErr error
	// Status, when set, is returned by JobStatus instead of the default
	// immediate success.
	Status *domain.StageStatus
	// StatusErr, when set, is returned by JobStatus.
	StatusErr error
	// Artifact is returned by FetchArtifact; defaults to a fixed payload.
	Artifact []byte
	// LivenessErr, when set, is returned by CheckLiveness.
	LivenessErr error
}

func NewFakeStageService() *FakeStageService {
	return &FakeStageService{Artifact: []byte("artifact-bytes")}
}

func (f *FakeStageService) SubmitJob(ctx context.Context, jobID string, sub domain.StageSubmission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, StageCall{Op: "submit", JobID: jobID, Submission: sub})
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.seq++
	return fmt.Sprintf("stage-job-%d", f.seq), nil
}

func (f *FakeStageService) JobStatus(ctx context.Context, jobID, stageJobID string) (domain.StageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, StageCall{Op: "status", JobID: jobID, StageJobID: stageJobID})
	if f.StatusErr != nil {
		return domain.StageStatus{}, f.StatusErr
	}
	if f.Status != nil {
		return *f.Status, nil
	}
	return domain.StageStatus{State: domain.StageStateSucceeded, Progress: 1}, nil
}

func (f *FakeStageService) FetchArtifact(ctx context.Context, jobID, stageJobID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, StageCall{Op: "artifact", JobID: jobID, StageJobID: stageJobID})
	return f.Artifact, nil
}

func (f *FakeStageService) CheckLiveness(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, StageCall{Op: "liveness"})
	return f.LivenessErr
}

// Calls returns a copy of the recorded interactions.
func (f *FakeStageService) Calls() []StageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StageCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Submissions returns only the submit calls.
func (f *FakeStageService) Submissions() []StageCall {
	var subs []StageCall
	for _, c := range f.Calls() {
		if c.Op == "submit" {
			subs = append(subs, c)
		}
	}
	return subs
}
