package usecase

import (
	"context"
	"log/slog"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"

	"github.com/robfig/cron/v3"
)

const probeTimeout = 5 * time.Second

// LivenessMonitor periodically probes each downstream service's health
// endpoint and publishes the result as a gauge for operational dashboards.
// Probe outcomes never feed the circuit breakers: treating liveness flakiness
// as operational failure would open breakers unrelated to real throughput.
type LivenessMonitor struct {
	cron     *cron.Cron
	services map[domain.Stage]domain.StageService
	logger   *slog.Logger
}

// NewLivenessMonitor schedules probes of the given services. The schedule
// uses cron syntax, e.g. "@every 30s".
func NewLivenessMonitor(schedule string, services map[domain.Stage]domain.StageService, logger *slog.Logger) (*LivenessMonitor, error) {
	m := &LivenessMonitor{
		cron:     cron.New(),
		services: services,
		logger:   logger.With("component", "liveness-monitor"),
	}
	if _, err := m.cron.AddFunc(schedule, m.probeAll); err != nil {
		return nil, err
	}
	return m, nil
}

// Start runs the monitor until the context is cancelled. Blocking; run it in
// a goroutine.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.logger.Info("liveness monitor started", "services", len(m.services))
	m.cron.Start()
	m.probeAll()
	<-ctx.Done()
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.logger.Info("liveness monitor stopped")
}

func (m *LivenessMonitor) probeAll() {
	for stage, svc := range m.services {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := svc.CheckLiveness(ctx)
		cancel()
		if err != nil {
			metrics.StageUp.WithLabelValues(string(stage)).Set(0)
			m.logger.Warn("downstream service liveness probe failed", "service", string(stage), "error", err)
			continue
		}
		metrics.StageUp.WithLabelValues(string(stage)).Set(1)
	}
}
