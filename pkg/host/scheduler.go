package host

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a scheduled plugin function.
type Job func(ctx context.Context)

type scheduledJob struct {
	owner string
	entry cron.EntryID
	spec  string
}

// Scheduler runs plugin jobs on cron schedules. Jobs are addressed by opaque
// handles so plugins never see scheduler internals.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]scheduledJob
}

// NewScheduler creates a new job scheduler. Specs use five fields or
// descriptors such as @hourly and @every 5m.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{l}))),
		parser: parser,
		logger: l,
		jobs:   make(map[string]scheduledJob),
	}
}

// Add schedules job for owner and returns its handle.
func (s *Scheduler) Add(owner, spec string, job func()) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	handle, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate job handle: %w", err)
	}

	entry, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return "", fmt.Errorf("failed to schedule job: %w", err)
	}

	s.mu.Lock()
	s.jobs[handle] = scheduledJob{owner: owner, entry: entry, spec: spec}
	s.mu.Unlock()

	s.logger.Debug().Str("plugin", owner).Str("job", handle).Str("spec", spec).Msg("Job scheduled")
	return handle, nil
}

// Remove cancels a job. Plugins can only cancel their own jobs.
func (s *Scheduler) Remove(owner, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[handle]
	if !ok || job.owner != owner {
		return fmt.Errorf("job %s not found", handle)
	}
	s.cron.Remove(job.entry)
	delete(s.jobs, handle)
	return nil
}

// RemoveOwner cancels every job of a plugin.
func (s *Scheduler) RemoveOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for handle, job := range s.jobs {
		if job.owner == owner {
			s.cron.Remove(job.entry)
			delete(s.jobs, handle)
			removed++
		}
	}
	return removed
}

// Jobs returns the handles of a plugin's jobs.
func (s *Scheduler) Jobs(owner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for handle, job := range s.jobs {
		if job.owner == owner {
			out = append(out, handle)
		}
	}
	return out
}

// Start starts running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs within ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduled jobs still running at shutdown")
	}
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
