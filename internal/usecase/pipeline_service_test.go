package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/testsupport"
)

type serviceFixture struct {
	service *PipelineService
	store   *testsupport.MemoryJobStore
	fetch   *testsupport.FakeStageService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := testsupport.NewMemoryJobStore()
	fetch := testsupport.NewFakeStageService()
	coord := newTestCoordinator(store, fetch, testsupport.NewFakeStageService(), testsupport.NewFakeStageService())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &serviceFixture{
		service: NewPipelineService(ctx, store, nil, coord, time.Hour, 8, testLogger()),
		store:   store,
		fetch:   fetch,
	}
}

// waitTerminal polls the store until the job reaches a terminal status.
func (f *serviceFixture) waitTerminal(t *testing.T, id string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.store.Get(context.Background(), id)
		if err == nil && job.Terminal() {
			return job
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", id)
	return nil
}

func submitReq() domain.JobRequest {
	return domain.JobRequest{
		MediaURL: "https://example.com/clip.mp4",
		Options:  domain.JobOptions{Language: "en"},
	}
}

func TestSubmitRunsPipeline(t *testing.T) {
	f := newServiceFixture(t)

	job, err := f.service.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Errorf("submitted job status = %s, want queued", job.Status)
	}

	final := f.waitTerminal(t, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Errorf("final status = %s (error: %v)", final.Status, final.Error)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Submit(context.Background(), domain.JobRequest{MediaURL: "ftp://example.com/a.mp4"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !domain.IsKind(err, domain.ErrorKindValidation) {
		t.Errorf("error kind = %v, want validation", err)
	}
	if f.store.Len() != 0 {
		t.Error("invalid request must not create a job")
	}
}

func TestSubmitDeduplicatesEquivalentRequests(t *testing.T) {
	f := newServiceFixture(t)

	first, err := f.service.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitTerminal(t, first.ID)

	// Same request with cosmetic URL differences maps onto the same job.
	second, err := f.service.Submit(context.Background(), domain.JobRequest{
		MediaURL: "HTTPS://Example.com/clip.mp4?utm_source=mail",
		Options:  domain.JobOptions{Language: "EN"},
	})
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created new job %s, want %s", second.ID, first.ID)
	}
	if second.Status != domain.JobStatusCompleted {
		t.Errorf("duplicate returned status %s, want the existing completed job", second.Status)
	}
	if subs := f.fetch.Submissions(); len(subs) != 1 {
		t.Errorf("fetch submissions = %d, want 1 (no duplicate pipeline run)", len(subs))
	}
}

func TestSubmitConcurrentDuplicatesCollapse(t *testing.T) {
	f := newServiceFixture(t)

	const submitters = 16
	ids := make([]string, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := f.service.Submit(context.Background(), submitReq())
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("submitters got different job ids: %s vs %s", ids[0], id)
		}
	}
	if f.store.Len() != 1 {
		t.Errorf("store holds %d jobs, want 1", f.store.Len())
	}

	f.waitTerminal(t, ids[0])
	if subs := f.fetch.Submissions(); len(subs) != 1 {
		t.Errorf("fetch submissions = %d, want exactly 1", len(subs))
	}
}

func TestSubmitRestartsFailedJob(t *testing.T) {
	f := newServiceFixture(t)
	f.fetch.SubmitErr = domain.NewTransientError("fetch submit failed after 3 attempts")

	job, err := f.service.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := f.waitTerminal(t, job.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("first run status = %s, want failed", failed.Status)
	}

	// The downstream recovers; resubmitting the same request restarts the
	// job under its existing id.
	f.fetch.SubmitErr = nil
	retried, err := f.service.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if retried.ID != job.ID {
		t.Fatalf("resubmit created new job %s, want %s", retried.ID, job.ID)
	}
	if retried.Status != domain.JobStatusQueued {
		t.Errorf("resubmitted job status = %s, want queued", retried.Status)
	}

	final := f.waitTerminal(t, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Errorf("final status = %s (error: %v)", final.Status, final.Error)
	}
	if final.Error != nil {
		t.Errorf("completed job kept error %+v", final.Error)
	}
}

func TestSubmitStoreFailureDoesNotCreateJob(t *testing.T) {
	f := newServiceFixture(t)
	f.store.FailNext = true

	_, err := f.service.Submit(context.Background(), submitReq())
	if err == nil {
		t.Fatal("expected store error")
	}
	if !domain.IsKind(err, domain.ErrorKindStore) {
		t.Errorf("error kind = %v, want store", err)
	}
	if f.store.Len() != 0 {
		t.Error("job must not be created while the store is unreachable")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Status(context.Background(), "no-such-job")
	if err != domain.ErrJobNotFound {
		t.Errorf("Status error = %v, want ErrJobNotFound", err)
	}
}

func TestStatusHidesExpiredJob(t *testing.T) {
	f := newServiceFixture(t)

	job := domain.NewJob("stale", submitReq(), time.Hour)
	job.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.store.Save(context.Background(), job); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	_, err := f.service.Status(context.Background(), "stale")
	if err != domain.ErrJobNotFound {
		t.Errorf("Status error = %v, want ErrJobNotFound for an expired job", err)
	}
}

func TestSubmitReplacesExpiredJob(t *testing.T) {
	f := newServiceFixture(t)

	req := submitReq()
	first, err := f.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitTerminal(t, first.ID)

	// Age the record past its TTL; a fresh submission starts over.
	stale, _ := f.store.Get(context.Background(), first.ID)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.store.Save(context.Background(), stale); err != nil {
		t.Fatalf("age job: %v", err)
	}

	again, err := f.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit after expiry: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expired resubmit id = %s, want %s", again.ID, first.ID)
	}
	if again.Status != domain.JobStatusQueued {
		t.Errorf("expired resubmit status = %s, want queued", again.Status)
	}
	f.waitTerminal(t, again.ID)
	if subs := f.fetch.Submissions(); len(subs) != 2 {
		t.Errorf("fetch submissions = %d, want 2 (pipeline reran)", len(subs))
	}
}
