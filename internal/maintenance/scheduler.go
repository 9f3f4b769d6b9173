// ABOUTME: Recurring storage maintenance: WAL checkpoint every run, compaction on one weekday
// ABOUTME: Each run is an independent unit; failures are logged and never stop the schedule

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/store"
)

// Defaults.
const (
	DefaultPeriod        = 7 * 24 * time.Hour
	DefaultCompactionDay = time.Sunday
)

// Task names used in logs and metrics.
const (
	TaskCheckpoint = "checkpoint"
	TaskCompact    = "compact"
	TaskSweep      = "sweep_sessions"
)

// ErrCheckpointIncomplete means the engine could not checkpoint the whole
// WAL because a reader was still using it.
var ErrCheckpointIncomplete = errors.New("wal checkpoint incomplete")

// Sweeper expires stale sessions. *auth.Manager satisfies it.
type Sweeper interface {
	SweepExpiredSessions(ctx context.Context) (int64, error)
}

// Report is the outcome of one maintenance run.
type Report struct {
	StartedAt     time.Time
	Duration      time.Duration
	CheckpointErr error
	Compacted     bool
	CompactErr    error
	Swept         int64
	SweepErr      error
}

// Err joins every task failure in the run.
func (r Report) Err() error {
	return errors.Join(r.CheckpointErr, r.CompactErr, r.SweepErr)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPeriod sets the interval between runs.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithCompactionDay sets the weekday on which runs also compact.
func WithCompactionDay(day time.Weekday) Option {
	return func(s *Scheduler) { s.compactionDay = day }
}

// WithSweeper enables the proactive expired-session sweep.
func WithSweeper(sw Sweeper) Option {
	return func(s *Scheduler) { s.sweeper = sw }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source used to pick the compaction day.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics counts task outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// Scheduler runs maintenance against a store on a fixed period.
type Scheduler struct {
	db            *store.DB
	period        time.Duration
	compactionDay time.Weekday
	sweeper       Sweeper
	logger        *slog.Logger
	now           func() time.Time
	metrics       *metrics.Collector

	runs atomic.Uint64
	mu   sync.Mutex
	last Report
}

// New creates a Scheduler. Call Start to arm it.
func New(db *store.DB, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:            db,
		period:        DefaultPeriod,
		compactionDay: DefaultCompactionDay,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "maintenance")
	return s
}

// Start runs maintenance every period until ctx is cancelled. The first run
// happens one period after Start.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("maintenance scheduler started",
		"period", s.period,
		"compaction_day", s.compactionDay,
		"sweep_sessions", s.sweeper != nil,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			report := s.RunOnce(ctx)
			if err := report.Err(); err != nil && ctx.Err() == nil {
				s.logger.Error("maintenance run had failures", "error", err)
			}
		}
	}
}

// RunOnce performs one maintenance run and returns its report.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	start := time.Now()
	report := Report{StartedAt: s.now()}

	report.CheckpointErr = s.checkpoint(ctx)
	s.observe(TaskCheckpoint, report.CheckpointErr)

	if report.StartedAt.Weekday() == s.compactionDay {
		report.CompactErr = s.compact(ctx)
		report.Compacted = report.CompactErr == nil
		s.observe(TaskCompact, report.CompactErr)
	}

	if s.sweeper != nil {
		report.Swept, report.SweepErr = s.sweeper.SweepExpiredSessions(ctx)
		s.observe(TaskSweep, report.SweepErr)
	}

	report.Duration = time.Since(start)
	s.runs.Add(1)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info("maintenance run complete",
		"compacted", report.Compacted,
		"swept_sessions", report.Swept,
		"duration", report.Duration,
	)
	return report
}

// Runs returns how many runs have completed.
func (s *Scheduler) Runs() uint64 {
	return s.runs.Load()
}

// LastReport returns the most recent report and whether any run has completed.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs.Load() > 0
}

func (s *Scheduler) observe(task string, err error) {
	s.metrics.MaintenanceRun(task, err)
	if err != nil {
		s.logger.Error("maintenance task failed", "task", task, "error", err)
	}
}

func (s *Scheduler) checkpoint(ctx context.Context) error {
	row, err := s.db.QueryRow(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	busy, err := row.Get("busy").AsInt64()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if busy != 0 {
		return ErrCheckpointIncomplete
	}
	return nil
}

func (s *Scheduler) compact(ctx context.Context) error {
	if _, err := s.db.Execute(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.Execute(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

// ParseWeekday parses a weekday name ("sunday", "Mon", ...).
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
