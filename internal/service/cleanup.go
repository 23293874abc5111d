package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/log"
	"github.com/geopilot/geopilot/internal/parallel"
	"github.com/geopilot/geopilot/internal/storage"

	"github.com/google/uuid"
)

const sweepParallelism = 4

// JobScopedStorage is a storage back-end holding one location per job, named
// by the job id. *storage.Local implements it for directories.
type JobScopedStorage interface {
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, name string) error
}

// CloudJobs exposes the job prefixes below UploadPrefix as JobScopedStorage.
type CloudJobs struct {
	Cloud storage.CloudStorage
}

func (c CloudJobs) List(ctx context.Context) ([]string, error) {
	return c.Cloud.ListPrefixes(ctx, UploadPrefix)
}

func (c CloudJobs) Remove(ctx context.Context, name string) error {
	return c.Cloud.DeletePrefix(ctx, UploadPrefix+name+"/")
}

// JobRegistry is the part of *job.Store the sweeper needs.
type JobRegistry interface {
	GetJob(id uuid.UUID) (job.Job, bool)
	Jobs() []job.Job
	RemoveJob(id uuid.UUID) (bool, error)
}

type SweepReport struct {
	// Busy is set when the sweep was skipped as another one was running
	Busy    bool
	Orphans int
	Expired int
	// Collected counts expired jobs removed from the store which had no
	// location in the storage
	Collected int
	// Skipped lists the names which are not job ids
	Skipped []string
	Err     error
}

// Sweeper reconciles a JobScopedStorage with the job store. Locations of
// unknown jobs are removed, as are expired jobs together with their
// locations. At most one sweep runs at a time.
type Sweeper struct {
	name      string
	storage   JobScopedStorage
	jobs      JobRegistry
	retention time.Duration
	now       func() time.Time
	// collect enables the removal of expired jobs without a location
	collect bool
	mx      sync.Mutex
}

func NewSweeper(name string, backend JobScopedStorage, jobs JobRegistry, retention time.Duration) *Sweeper {
	return &Sweeper{
		name:      name,
		storage:   backend,
		jobs:      jobs,
		retention: retention,
		now:       time.Now,
	}
}

// WithClock overrides time.Now, for testing.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithStoreCollection makes the sweeper also remove expired jobs that have no
// location in its storage, e.g. jobs whose upload never arrived. Exactly one
// sweeper per store should collect.
func (s *Sweeper) WithStoreCollection() *Sweeper {
	s.collect = true
	return s
}

type sweepTarget struct {
	name    string
	id      uuid.UUID
	expired bool
}

// Sweep runs a single reconciliation. Failures are logged and reported, the
// affected locations are retried by the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	ctx = log.ContextAttrs(ctx, slog.String("storage", s.name))
	if !s.mx.TryLock() {
		slog.WarnContext(ctx, "cleanup still running: skipping")
		return SweepReport{Busy: true}
	}
	defer s.mx.Unlock()

	var report SweepReport
	names, err := s.storage.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "listing job storage failed", "error", err)
		report.Err = err
		return report
	}

	now := s.now()
	var targets []sweepTarget
	located := make(map[uuid.UUID]struct{}, len(names))
	for _, name := range names {
		id, err := uuid.Parse(name)
		if err != nil {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		located[id] = struct{}{}
		j, ok := s.jobs.GetJob(id)
		switch {
		case !ok:
			targets = append(targets, sweepTarget{name: name, id: id})
		case s.retention > 0 && now.Sub(j.CreatedOn) > s.retention:
			targets = append(targets, sweepTarget{name: name, id: id, expired: true})
		}
	}

	results := parallel.Map(ctx, sweepParallelism, targets, func(ctx context.Context, t sweepTarget) (struct{}, error) {
		return struct{}{}, s.storage.Remove(ctx, t.name)
	})

	var errs []error
	for _, r := range results {
		t := r.In
		if r.Err != nil {
			slog.WarnContext(ctx, "removing job storage failed, retrying next time", "name", t.name, "error", r.Err)
			errs = append(errs, fmt.Errorf("removing %s: %w", t.name, r.Err))
			continue
		}
		if !t.expired {
			report.Orphans++
			slog.InfoContext(ctx, "orphaned job storage removed", "name", t.name)
			continue
		}
		report.Expired++
		if _, err := s.jobs.RemoveJob(t.id); err != nil {
			errs = append(errs, fmt.Errorf("removing job %s: %w", t.id, err))
		}
		slog.InfoContext(ctx, "expired job removed", "job_id", t.id.String())
	}
	if s.collect {
		errs = append(errs, s.collectUnlocated(ctx, now, located, &report))
	}
	report.Err = errors.Join(errs...)
	return report
}

// collectUnlocated removes expired jobs not present in the listing. Jobs
// whose location failed to be removed are listed, so they stay.
func (s *Sweeper) collectUnlocated(ctx context.Context, now time.Time, located map[uuid.UUID]struct{}, report *SweepReport) error {
	if s.retention <= 0 {
		return nil
	}
	var errs []error
	for _, j := range s.jobs.Jobs() {
		if _, ok := located[j.ID]; ok || now.Sub(j.CreatedOn) <= s.retention {
			continue
		}
		removed, err := s.jobs.RemoveJob(j.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("removing job %s: %w", j.ID, err))
			continue
		}
		if removed {
			report.Collected++
			slog.InfoContext(ctx, "expired job without storage removed", "job_id", j.ID.String(), "status", j.Status())
		}
	}
	return errors.Join(errs...)
}
