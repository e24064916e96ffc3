package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fern-labs/fernflow/ledger"
)

// standardCronParser accepts standard 5-field cron expressions plus
// descriptors like "@hourly" and intervals like "@every 1m".
var standardCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseCronSpec validates a cron expression. Timezone prefixes are
// rejected: all schedules run in UTC.
func parseCronSpec(spec string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, fmt.Errorf("timezone prefixes are not supported; schedules run in UTC")
	}
	sched, err := standardCronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", trimmed, err)
	}
	return sched, nil
}

// SweepScheduler runs the ledger sweeper on a cron schedule.
type SweepScheduler struct {
	cron    *cron.Cron
	sweeper *ledger.Sweeper
	logger  *slog.Logger
}

// NewSweepScheduler builds a scheduler that sweeps the ledger per the
// given cron spec. All times are UTC.
func NewSweepScheduler(sweeper *ledger.Sweeper, spec string, logger *slog.Logger) (*SweepScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := parseCronSpec(spec)
	if err != nil {
		return nil, err
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithParser(standardCronParser))
	s := &SweepScheduler{cron: c, sweeper: sweeper, logger: logger}
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := sweeper.Sweep(context.Background()); err != nil {
			logger.Error("scheduled sweep failed", "error", err)
		}
	}))
	return s, nil
}

// Start begins running the schedule in a background goroutine.
func (s *SweepScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *SweepScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
