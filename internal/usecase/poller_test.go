package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"media-pipeline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedStageService returns a fixed sequence of status snapshots.
type scriptedStageService struct {
	statuses []domain.StageStatus
	errs     []error
	calls    int
}

func (s *scriptedStageService) SubmitJob(ctx context.Context, jobID string, sub domain.StageSubmission) (string, error) {
	return "sj-1", nil
}

func (s *scriptedStageService) JobStatus(ctx context.Context, jobID, stageJobID string) (domain.StageStatus, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.StageStatus{}, s.errs[i]
	}
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return s.statuses[i], nil
}

func (s *scriptedStageService) FetchArtifact(ctx context.Context, jobID, stageJobID string) ([]byte, error) {
	return nil, nil
}

func (s *scriptedStageService) CheckLiveness(ctx context.Context) error { return nil }

// newTestPoller returns a supervisor with a fake clock that advances by each
// requested sleep, so tests never wait on real timers.
func newTestPoller(settings PollSettings) (*PollSupervisor, *[]time.Duration) {
	p := NewPollSupervisor(settings, testLogger())
	now := time.Now()
	sleeps := &[]time.Duration{}
	p.now = func() time.Time { return now }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		now = now.Add(d)
		return ctx.Err()
	}
	return p, sleeps
}

func TestWaitUntilTerminalReturnsTerminalStatus(t *testing.T) {
	svc := &scriptedStageService{statuses: []domain.StageStatus{
		{State: domain.StageStatePending},
		{State: domain.StageStateRunning, Progress: 0.5},
		{State: domain.StageStateSucceeded, Progress: 1},
	}}
	p, sleeps := newTestPoller(PollSettings{InitialInterval: time.Second, MaxInterval: 8 * time.Second, RampAttempts: 2, Timeout: time.Minute})

	status, err := p.WaitUntilTerminal(context.Background(), svc, domain.StageFetch, "job-1", "sj-1")
	if err != nil {
		t.Fatalf("WaitUntilTerminal: %v", err)
	}
	if status.State != domain.StageStateSucceeded {
		t.Errorf("state = %s, want succeeded", status.State)
	}
	if svc.calls != 3 {
		t.Errorf("status polls = %d, want 3", svc.calls)
	}
	if len(*sleeps) != 2 {
		t.Errorf("sleeps = %v, want 2 waits", *sleeps)
	}
}

func TestWaitUntilTerminalIntervalRampsAndCaps(t *testing.T) {
	statuses := make([]domain.StageStatus, 8)
	for i := range statuses {
		statuses[i] = domain.StageStatus{State: domain.StageStateRunning}
	}
	statuses = append(statuses, domain.StageStatus{State: domain.StageStateSucceeded})

	svc := &scriptedStageService{statuses: statuses}
	p, sleeps := newTestPoller(PollSettings{InitialInterval: time.Second, MaxInterval: 4 * time.Second, RampAttempts: 2, Timeout: time.Hour})

	if _, err := p.WaitUntilTerminal(context.Background(), svc, domain.StageFetch, "job-1", "sj-1"); err != nil {
		t.Fatalf("WaitUntilTerminal: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep[%d] = %s, want %s", i, (*sleeps)[i], d)
		}
	}
}

func TestWaitUntilTerminalTimesOut(t *testing.T) {
	svc := &scriptedStageService{statuses: []domain.StageStatus{{State: domain.StageStateRunning}}}
	p, _ := newTestPoller(PollSettings{InitialInterval: time.Second, MaxInterval: time.Second, RampAttempts: 2, Timeout: 3 * time.Second})

	_, err := p.WaitUntilTerminal(context.Background(), svc, domain.StageTransform, "job-1", "sj-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !domain.IsKind(err, domain.ErrorKindTimeout) {
		t.Errorf("error kind = %v, want timeout", err)
	}
}

func TestWaitUntilTerminalPropagatesClientError(t *testing.T) {
	rejection := domain.NewUnavailableError("transform")
	svc := &scriptedStageService{
		statuses: []domain.StageStatus{{State: domain.StageStateRunning}},
		errs:     []error{nil, rejection},
	}
	p, _ := newTestPoller(PollSettings{InitialInterval: time.Second, MaxInterval: time.Second, RampAttempts: 2, Timeout: time.Minute})

	_, err := p.WaitUntilTerminal(context.Background(), svc, domain.StageTransform, "job-1", "sj-1")
	if !domain.IsKind(err, domain.ErrorKindUnavailable) {
		t.Errorf("error = %v, want the client's service_unavailable as-is", err)
	}
}

func TestWaitUntilTerminalReportsDownstreamFailure(t *testing.T) {
	svc := &scriptedStageService{statuses: []domain.StageStatus{
		{State: domain.StageStateRunning},
		{State: domain.StageStateFailed, Error: "decode error"},
	}}
	p, _ := newTestPoller(PollSettings{InitialInterval: time.Second, MaxInterval: time.Second, RampAttempts: 2, Timeout: time.Minute})

	status, err := p.WaitUntilTerminal(context.Background(), svc, domain.StageExtract, "job-1", "sj-1")
	if err != nil {
		t.Fatalf("WaitUntilTerminal: %v", err)
	}
	if status.State != domain.StageStateFailed || status.Error != "decode error" {
		t.Errorf("status = %+v", status)
	}
}
