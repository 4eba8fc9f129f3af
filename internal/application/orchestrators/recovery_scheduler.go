package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRecoveryInterval is how often the scanner runs.
const DefaultRecoveryInterval = 5 * time.Minute

// RecoveryScheduler runs ExecuteRecoveryScan on a fixed interval. Ticks never
// overlap: a tick that is still running when the next one fires causes that
// one to be skipped.
type RecoveryScheduler struct {
	deps     RecoveryDeps
	interval time.Duration
	cron     *cron.Cron

	// runMu serialises scheduled ticks with RunNow.
	runMu sync.Mutex

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	started bool
	last    RecoveryReport
	lastAt  time.Time
}

// NewRecoveryScheduler prepares a scheduler; nothing runs until Start.
// PRE: interval >= 1s (cron cannot fire faster); logger may be nil
// POST: Returns a stopped scheduler
func NewRecoveryScheduler(deps RecoveryDeps, interval time.Duration, logger *slog.Logger) (*RecoveryScheduler, error) {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))

	s := &RecoveryScheduler{
		deps:     deps,
		interval: interval,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
	s.base, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc("@every "+interval.String(), s.tick); err != nil {
		return nil, fmt.Errorf("schedule recovery every %s: %w", interval, err)
	}
	return s, nil
}

func (s *RecoveryScheduler) tick() {
	if _, err := s.RunNow(s.base); err != nil {
		slog.Error("recovery_scheduler_error", "error", err)
	}
}

// Start begins firing ticks in the background. Calling it twice is a no-op.
func (s *RecoveryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	slog.Info("recovery_scheduler_started", "interval", s.interval.String())
}

// Stop prevents further ticks, cancels a running one and waits for it to
// return or for ctx to end, whichever comes first.
// POST: No tick is running once Stop returns nil
func (s *RecoveryScheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("recovery_scheduler_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop recovery scheduler: %w", ctx.Err())
	}
}

// RunNow runs one tick synchronously, waiting for a scheduled tick in
// progress to finish first.
// PRE: ctx is valid
// POST: Returns that tick's report
func (s *RecoveryScheduler) RunNow(ctx context.Context) (RecoveryReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report, err := ExecuteRecoveryScan(ctx, s.deps)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.last, s.lastAt = report, nowOr(s.deps.Now)
	s.mu.Unlock()
	return report, nil
}

// Last returns the most recent successful tick's report and when it ran.
// The time is zero before the first tick.
func (s *RecoveryScheduler) Last() (RecoveryReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}
