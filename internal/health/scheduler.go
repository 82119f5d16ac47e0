package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// checkTimeout bounds a single scheduled health pass.
const checkTimeout = 2 * time.Minute

// Scheduler runs the global health check on a cron schedule. Results are
// logged only; repair is never triggered automatically.
type Scheduler struct {
	cron    *cron.Cron
	monitor *Monitor
	logger  *slog.Logger
}

// NewScheduler wires the monitor to a 5-field cron expression, for example
// "*/15 * * * *" for every fifteen minutes.
func NewScheduler(monitor *Monitor, schedule string) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		monitor: monitor,
		logger:  slog.Default(),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("parsing health check schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels future runs and waits for an in-flight check to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	report := s.monitor.CheckHealth(ctx, "")
	attrs := []any{
		"status", report.OverallStatus,
		"issues", len(report.Issues),
	}
	for name, ch := range report.Collections {
		attrs = append(attrs, name+"_ratio", fmt.Sprintf("%.2f", ch.SyncRatio))
	}

	switch report.OverallStatus {
	case StatusHealthy:
		s.logger.Debug("scheduled health check passed", attrs...)
	case StatusWarning:
		s.logger.Warn("scheduled health check found drift", attrs...)
	default:
		attrs = append(attrs, "detail", report.Issues)
		s.logger.Error("scheduled health check failed", attrs...)
	}
}
