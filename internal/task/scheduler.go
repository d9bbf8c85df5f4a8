package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clipcraft/taskpilot/internal/session"
	"github.com/clipcraft/taskpilot/internal/store"
)

// SchedulerConfig holds the cleanup scheduler's settings. Both knobs
// have hard floors: cleanup never runs more often than hourly and never
// reclaims records younger than a day.
type SchedulerConfig struct {
	// IntervalHours is how often a cleanup pass runs. Floor 1.
	IntervalHours int

	// AgeThresholdDays is how old a terminal record must be before it
	// is reclaimed. Floor 1.
	AgeThresholdDays int

	// PollInterval is how long the loop sleeps between checks of the
	// schedule and the stop signal. Stop takes effect within one poll
	// increment. Defaults to one minute.
	PollInterval time.Duration

	// FailureBackoff is how long the loop sleeps after a pass fails
	// before resuming the schedule. Defaults to five minutes.
	FailureBackoff time.Duration
}

// DefaultSchedulerConfig returns the deployment defaults: daily cleanup
// of records older than thirty days.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		IntervalHours:    24,
		AgeThresholdDays: 30,
		PollInterval:     time.Minute,
		FailureBackoff:   5 * time.Minute,
	}
}

func (c *SchedulerConfig) normalize() {
	if c.IntervalHours < 1 {
		c.IntervalHours = 1
	}
	if c.AgeThresholdDays < 1 {
		c.AgeThresholdDays = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 5 * time.Minute
	}
}

// CleanupScheduler periodically deletes expired terminal task records
// from the durable store (the fallback store is volatile and not
// targeted) and prunes old terminal sessions alongside. Exactly one
// background goroutine runs the loop.
type CleanupScheduler struct {
	tasks    store.TaskStore
	sessions *session.Registry
	config   SchedulerConfig
	logger   *slog.Logger

	mu          sync.Mutex
	running     bool
	lastCleanup time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewCleanupScheduler creates a scheduler over the durable task store.
// tasks may be nil when no durable backend is configured; passes then
// do nothing but the schedule still advances.
func NewCleanupScheduler(tasks store.TaskStore, sessions *session.Registry, config SchedulerConfig, log *slog.Logger) *CleanupScheduler {
	config.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &CleanupScheduler{
		tasks:    tasks,
		sessions: sessions,
		config:   config,
		logger:   log.With(slog.String("component", "cleanup_scheduler")),
	}
}

// Start launches the background loop. Starting an already running
// scheduler is a logged no-op.
func (s *CleanupScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("cleanup scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.logger.Info("cleanup scheduler starting",
		slog.Int("interval_hours", s.config.IntervalHours),
		slog.Int("age_threshold_days", s.config.AgeThresholdDays))
	go s.loop(s.stopCh, s.doneCh)
}

// Stop signals the loop and joins it with a bounded timeout. A join
// timeout is logged but never blocks shutdown indefinitely.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn("cleanup scheduler not running")
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		s.logger.Info("cleanup scheduler stopped")
	case <-time.After(10 * time.Second):
		s.logger.Warn("cleanup loop did not stop within timeout")
	}
}

// Running reports whether the background loop is active.
func (s *CleanupScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunCleanupNow triggers a cleanup pass immediately and returns the
// number of task records deleted. The last-cleanup timestamp advances
// even when the pass fails, so a broken backend does not cause an
// immediate retry storm.
func (s *CleanupScheduler) RunCleanupNow(ctx context.Context) int64 {
	s.logger.Info("manual cleanup triggered")
	deleted, err := s.runCleanup(ctx)
	if err != nil {
		s.logger.Error("manual cleanup failed", slog.String("error", err.Error()))
		return 0
	}
	return deleted
}

// Status describes the scheduler for operators.
type Status struct {
	Running          bool       `json:"running"`
	IntervalHours    int        `json:"cleanup_interval_hours"`
	AgeThresholdDays int        `json:"cleanup_age_threshold_days"`
	LastCleanup      *time.Time `json:"last_cleanup,omitempty"`
	NextCleanup      *time.Time `json:"next_cleanup,omitempty"`
}

// GetStatus reports the scheduler's current state.
func (s *CleanupScheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:          s.running,
		IntervalHours:    s.config.IntervalHours,
		AgeThresholdDays: s.config.AgeThresholdDays,
	}
	if !s.lastCleanup.IsZero() {
		last := s.lastCleanup
		next := last.Add(s.interval())
		status.LastCleanup = &last
		status.NextCleanup = &next
	}
	return status
}

func (s *CleanupScheduler) interval() time.Duration {
	return time.Duration(s.config.IntervalHours) * time.Hour
}

func (s *CleanupScheduler) ageThreshold() time.Duration {
	return time.Duration(s.config.AgeThresholdDays) * 24 * time.Hour
}

// loop is the single long-lived background goroutine. It runs one pass
// immediately if none has ever run, then sleeps in short polling
// increments until the next scheduled time, checking the stop signal
// each increment. A failed pass backs off without crashing the loop.
func (s *CleanupScheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	s.logger.Info("cleanup worker started",
		slog.Int("interval_hours", s.config.IntervalHours))

	for {
		s.mu.Lock()
		neverRan := s.lastCleanup.IsZero()
		s.mu.Unlock()

		if neverRan {
			if err := s.pass(stopCh); err != nil {
				return
			}
		}

		next := time.Now().Add(s.interval())
		s.logger.Info("next cleanup scheduled",
			slog.Time("next_cleanup", next))

		for time.Now().Before(next) {
			select {
			case <-stopCh:
				return
			case <-time.After(s.config.PollInterval):
			}
		}

		if err := s.pass(stopCh); err != nil {
			return
		}
	}
}

// errStopped signals the loop to exit after a back-off interrupted by
// Stop.
var errStopped = errors.New("scheduler stopped")

// pass runs one cleanup and applies the failure back-off.
func (s *CleanupScheduler) pass(stopCh <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.runCleanup(ctx); err != nil {
		s.logger.Error("cleanup pass failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("backoff", s.config.FailureBackoff))
		select {
		case <-stopCh:
			return errStopped
		case <-time.After(s.config.FailureBackoff):
		}
	}
	return nil
}

// runCleanup deletes expired terminal tasks and sessions from the
// durable store. The last-cleanup timestamp advances regardless of the
// outcome.
func (s *CleanupScheduler) runCleanup(ctx context.Context) (int64, error) {
	defer func() {
		s.mu.Lock()
		s.lastCleanup = time.Now().UTC()
		s.mu.Unlock()
	}()

	if s.tasks == nil {
		s.logger.Warn("durable store not configured, skipping cleanup")
		return 0, nil
	}

	deleted, err := s.tasks.DeleteOlderThan(ctx, s.ageThreshold())
	if err != nil {
		return 0, err
	}

	if s.sessions != nil {
		s.sessions.CleanupOldSessions(ctx, s.ageThreshold())
	}

	s.logger.Info("cleanup completed",
		slog.Int64("deleted_tasks", deleted),
		slog.Int("next_cleanup_hours", s.config.IntervalHours))
	return deleted, nil
}
