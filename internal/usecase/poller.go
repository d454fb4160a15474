package usecase

import (
	"context"
	"log/slog"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"
)

// PollSettings tune the adaptive wait for one downstream job.
type PollSettings struct {
	// InitialInterval is the delay between the first polls.
	InitialInterval time.Duration
	// MaxInterval caps the grown interval.
	MaxInterval time.Duration
	// RampAttempts is how many polls run at InitialInterval before the
	// interval starts doubling.
	RampAttempts int
	// Timeout is the hard ceiling on the whole wait.
	Timeout time.Duration
}

// PollSupervisor performs the poll-until-terminal wait for one downstream
// job. The interval starts small to stay responsive for short jobs and grows
// toward MaxInterval to bound HTTP traffic for long-running ones. The wait is
// a cooperative suspension point: it parks on a timer, never an OS thread.
type PollSupervisor struct {
	settings PollSettings
	logger   *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewPollSupervisor constructs a supervisor with the given settings.
func NewPollSupervisor(settings PollSettings, logger *slog.Logger) *PollSupervisor {
	if settings.InitialInterval <= 0 {
		settings.InitialInterval = 2 * time.Second
	}
	if settings.MaxInterval < settings.InitialInterval {
		settings.MaxInterval = settings.InitialInterval
	}
	if settings.RampAttempts <= 0 {
		settings.RampAttempts = 10
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Minute
	}
	return &PollSupervisor{
		settings: settings,
		logger:   logger.With("component", "poll-supervisor"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WaitUntilTerminal polls the downstream job through the resilient stage
// client until it reports a terminal state. It stops with a timeout error
// when the overall budget elapses, and propagates tagged client errors as-is
// (a breaker opening mid-wait arrives here as service_unavailable).
func (p *PollSupervisor) WaitUntilTerminal(ctx context.Context, svc domain.StageService, stage domain.Stage, jobID, stageJobID string) (domain.StageStatus, error) {
	deadline := p.now().Add(p.settings.Timeout)
	interval := p.settings.InitialInterval
	attempts := 0

	for {
		if !p.now().Before(deadline) {
			return domain.StageStatus{}, domain.NewTimeoutError(
				"stage %s job %s: no terminal status within %s", stage, stageJobID, p.settings.Timeout)
		}

		metrics.PollAttemptsTotal.WithLabelValues(string(stage)).Inc()
		status, err := svc.JobStatus(ctx, jobID, stageJobID)
		if err != nil {
			return domain.StageStatus{}, err
		}
		attempts++
		if status.State.Terminal() {
			return status, nil
		}

		if attempts >= p.settings.RampAttempts {
			interval *= 2
			if interval > p.settings.MaxInterval {
				interval = p.settings.MaxInterval
			}
		}
		wait := interval
		if remaining := deadline.Sub(p.now()); wait > remaining {
			wait = remaining
		}
		p.logger.Debug("downstream job still running",
			"stage", string(stage), "job_id", jobID, "stage_job_id", stageJobID,
			"progress", status.Progress, "next_poll_in", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return domain.StageStatus{}, domain.NewTimeoutError(
				"stage %s job %s: wait aborted: %s", stage, stageJobID, err)
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
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
