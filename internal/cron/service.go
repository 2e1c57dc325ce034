package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Handler runs one due job. The service records ok/error state from the
// returned error; anything the handler produces is delivered by the handler
// itself.
type Handler func(ctx context.Context, job Job) error

// Service owns the job store and fires due jobs from a one-second tick
// loop. All job mutations happen under a single mutex.
type Service struct {
	storePath string
	handler   Handler
	logger    *slog.Logger

	mu        sync.Mutex
	jobs      []Job
	startTime time.Time

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns a stopped service backed by the store at storePath.
func NewService(storePath string, handler Handler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storePath: storePath,
		handler:   handler,
		logger:    logger,
		now:       time.Now,
	}
}

// Start loads the store and begins ticking. Starting a running service is a
// no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.startTime = s.now()
	jobs, err := loadJobs(s.storePath)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.jobs = jobs

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("cron service started", "jobs", len(jobs), "store", s.storePath)
	return nil
}

// Stop halts the tick loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("cron service stopped")
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans all jobs once and fires the due ones in order. The store is
// rewritten at most once per tick, and only when something changed.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.now().UnixMilli()
	changed := false
	var remove map[string]bool

	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}

		due := false
		switch job.Schedule.Kind {
		case KindCron:
			due = s.cronDue(job, nowMS)
		case KindEvery:
			due = job.Schedule.EveryMS > 0 && nowMS >= job.State.LastRunAtMS+job.Schedule.EveryMS
		case KindAt:
			// Disable before running so a handler crash cannot refire it.
			if job.Schedule.AtMS > 0 && nowMS >= job.Schedule.AtMS {
				job.Enabled = false
				changed = true
				due = true
			}
		}
		if !due {
			continue
		}

		if s.fire(ctx, job) {
			changed = true
			if job.DeleteAfterRun {
				if remove == nil {
					remove = make(map[string]bool)
				}
				remove[job.ID] = true
			}
		}
	}

	if remove != nil {
		kept := s.jobs[:0]
		for _, job := range s.jobs {
			if !remove[job.ID] {
				kept = append(kept, job)
			}
		}
		s.jobs = kept
	}
	if changed {
		if err := saveJobs(s.storePath, s.jobs); err != nil {
			s.logger.Error("cron store save failed", "error", err)
		}
	}
}

// cronDue reports whether a cron-expression job has a fire time at or before
// nowMS. The reference instant is the later of the last run and the service
// start, so restarts do not replay missed windows.
func (s *Service) cronDue(job *Job, nowMS int64) bool {
	if job.Schedule.Expr == "" {
		return false
	}
	base := s.startTime
	if lr := job.State.LastRunAtMS; lr > 0 {
		if t := time.UnixMilli(lr); t.After(base) {
			base = t
		}
	}
	next, err := gronx.NextTickAfter(job.Schedule.Expr, base, false)
	if err != nil {
		s.logger.Warn("invalid cron expression", "id", job.ID, "expr", job.Schedule.Expr, "error", err)
		return false
	}
	return nowMS >= next.UnixMilli()
}

// fire invokes the handler and stamps state. Reports whether job state
// changed.
func (s *Service) fire(ctx context.Context, job *Job) bool {
	if s.handler == nil {
		s.logger.Debug("cron job due but no handler registered", "id", job.ID)
		return false
	}
	s.logger.Info("cron job firing", "id", job.ID, "name", job.Name)
	if err := s.handler(ctx, *job); err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.logger.Warn("cron job failed", "id", job.ID, "name", job.Name, "error", err)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.State.LastRunAtMS = s.now().UnixMilli()
	return true
}

// Add validates the schedule, assigns an id when absent, appends the job and
// persists the store.
func (s *Service) Add(job Job) (Job, error) {
	switch job.Schedule.Kind {
	case KindCron:
		if _, err := gronx.NextTickAfter(job.Schedule.Expr, time.Now(), false); err != nil {
			return Job{}, fmt.Errorf("invalid cron expression %q: %w", job.Schedule.Expr, err)
		}
	case KindEvery:
		if job.Schedule.EveryMS <= 0 {
			return Job{}, fmt.Errorf("every schedule needs a positive period, got %d", job.Schedule.EveryMS)
		}
	case KindAt:
		if job.Schedule.AtMS <= 0 {
			return Job{}, fmt.Errorf("at schedule needs an absolute instant, got %d", job.Schedule.AtMS)
		}
	default:
		return Job{}, fmt.Errorf("unknown schedule kind %q", job.Schedule.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if err := saveJobs(s.storePath, s.jobs); err != nil {
		return Job{}, err
	}
	return job, nil
}

// List returns a snapshot of all jobs.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == id {
			return job, true
		}
	}
	return Job{}, false
}

// Enable flips the enabled bit on a job. Reports whether the id was known.
func (s *Service) Enable(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if err := saveJobs(s.storePath, s.jobs); err != nil {
				s.logger.Error("cron store save failed", "error", err)
			}
			return true
		}
	}
	return false
}

// Remove deletes a job by id. Reports whether the id was known.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			if err := saveJobs(s.storePath, s.jobs); err != nil {
				s.logger.Error("cron store save failed", "error", err)
			}
			return true
		}
	}
	return false
}
