package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/model"
	"github.com/geopilot/geopilot/internal/queue"
	"github.com/geopilot/geopilot/internal/scan"
	"github.com/geopilot/geopilot/internal/storage"
	"github.com/geopilot/geopilot/internal/validation"
)

// Supervisor owns the job engine built from a configuration: the store and
// its work queue, the runner, the services used by the API layer and the
// cleanup schedule.
type Supervisor struct {
	store      *job.Store
	queue      *queue.Queue[job.WorkItem]
	local      *storage.Local
	runner     *Runner
	validation *ValidationService
	cloud      *CloudOrchestrationService
	sweepers   []*Sweeper
	scheduler  gocron.Scheduler
}

func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	validatorTimeout, err := model.ParseDuration(cfg.Service.ValidatorTimeout, model.DefaultValidatorTimeout)
	if err != nil {
		return nil, fmt.Errorf("service.validator_timeout: %w", err)
	}
	validators, runnerTimeout, err := validators(cfg.Validators, validatorTimeout)
	if err != nil {
		return nil, err
	}

	local, err := storage.NewLocal(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{local: local}
	ok := false
	defer func() {
		if !ok {
			s.close(ctx)
		}
	}()

	s.queue = queue.New[job.WorkItem]()
	s.store = job.NewStore(s.queue)
	s.validation = NewValidationService(s.store, local, validators, Mandates(cfg.Mandates))

	workers := cfg.Service.Workers
	if workers <= 0 {
		workers = model.DefaultWorkers
	}
	s.runner = NewRunner(s.queue, s.store, WithWorkers(workers), WithTimeout(runnerTimeout))

	cleanup := cfg.Cleanup
	if cleanup == nil {
		cleanup = &model.Cleanup{}
	}
	retention, err := model.ParseDuration(cleanup.Retention, model.DefaultRetention)
	if err != nil {
		return nil, fmt.Errorf("cleanup.retention: %w", err)
	}
	// the local sweeper also collects expired jobs without any staged file,
	// their cloud objects become orphans of the cloud sweeper
	s.sweepers = append(s.sweepers, NewSweeper("local", local, s.store, retention).WithStoreCollection())

	if cfg.Cloud.IsEnabled() {
		cloud, err := cloudService(ctx, cfg, s.store, s.validation, local)
		if err != nil {
			return nil, err
		}
		s.cloud = cloud
		s.sweepers = append(s.sweepers, NewSweeper("cloud", CloudJobs{Cloud: cloud.cloud}, s.store, retention))
	}

	schedule := model.Schedule{Duration: model.DefaultCleanupSchedule}
	if cleanup.Schedule != nil {
		schedule = *cleanup.Schedule
	}
	tasks := make([]func(context.Context), 0, len(s.sweepers))
	for _, sw := range s.sweepers {
		tasks = append(tasks, func(ctx context.Context) { sw.Sweep(ctx) })
	}
	s.scheduler, err = newScheduler(ctx, schedule, tasks...)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule: %w", err)
	}

	ok = true
	return s, nil
}

func cloudService(ctx context.Context, cfg model.Config, store *job.Store, vs *ValidationService, local *storage.Local) (*CloudOrchestrationService, error) {
	cloudCfg, err := CloudConfigFrom(cfg.Cloud)
	if err != nil {
		return nil, err
	}
	bucket, err := storage.NewMinio(ctx, storage.MinioConfig{
		Endpoint:     cfg.Cloud.Endpoint,
		AccessKey:    cfg.Cloud.AccessKey,
		SecretKey:    cfg.Cloud.SecretKey,
		UseSSL:       cfg.Cloud.UseSSL,
		Region:       cfg.Cloud.Region,
		Bucket:       cfg.Cloud.Bucket,
		CreateBucket: cfg.Cloud.CreateBucket,
	})
	if err != nil {
		return nil, err
	}

	var scanner scan.Scanner = scan.Noop{}
	if cfg.Scan != nil && cfg.Scan.URL != "" {
		timeout, err := model.ParseDuration(cfg.Scan.Timeout, model.DefaultScanTimeout)
		if err != nil {
			return nil, fmt.Errorf("scan.timeout: %w", err)
		}
		client, err := scan.NewClient(cfg.Scan.URL, timeout)
		if err != nil {
			return nil, fmt.Errorf("scan.url: %w", err)
		}
		scanner = client
	} else {
		slog.WarnContext(ctx, "no malware scan configured: cloud uploads are not scanned")
	}
	return NewCloudOrchestrationService(store, bucket, scanner, vs, local, cloudCfg), nil
}

// validators builds the exec validators. The returned timeout is the longest
// one of all validators, the runner must not cut a validator short.
func validators(cfgs []model.Validator, defaultTimeout time.Duration) ([]validation.Validator, time.Duration, error) {
	ret := make([]validation.Validator, 0, len(cfgs))
	longest := defaultTimeout
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		if _, ok := seen[c.Name]; ok {
			return nil, 0, fmt.Errorf("validator %s is declared twice", c.Name)
		}
		seen[c.Name] = struct{}{}

		timeout, err := model.ParseDuration(c.Timeout, defaultTimeout)
		if err != nil {
			return nil, 0, fmt.Errorf("validator %s timeout: %w", c.Name, err)
		}
		if longest > 0 && (timeout <= 0 || timeout > longest) {
			longest = timeout
		}
		v, err := validation.NewExecValidator(validation.ExecConfig{
			Name: c.Name,
			Command: validation.Command{
				Path:    c.Path,
				Args:    c.Args,
				Env:     environ(c.Env),
				Timeout: timeout,
			},
			Extensions:     c.Extensions,
			Profiles:       c.Profiles,
			ErrorsExitCode: c.ErrorsExitCode,
		})
		if err != nil {
			return nil, 0, err
		}
		ret = append(ret, v)
	}
	return ret, longest, nil
}

// environ converts the env map to KEY=value pairs, values starting with $
// are expanded from the service environment.
func environ(env map[string]string) []string {
	ret := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		v := env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		ret = append(ret, strings.ToUpper(k)+"="+v)
	}
	return ret
}

func (s *Supervisor) Store() *job.Store {
	return s.store
}

func (s *Supervisor) Validation() *ValidationService {
	return s.validation
}

// Cloud returns nil when cloud uploads are disabled.
func (s *Supervisor) Cloud() *CloudOrchestrationService {
	return s.cloud
}

// Cleanup runs all sweepers once, outside of the schedule.
func (s *Supervisor) Cleanup(ctx context.Context) []SweepReport {
	ret := make([]SweepReport, 0, len(s.sweepers))
	for _, sw := range s.sweepers {
		ret = append(ret, sw.Sweep(ctx))
	}
	return ret
}

// Do runs the workers and the cleanup schedule until ctx is done.
//
// Shutdown happens in reverse order: the scheduler is stopped, then the
// queue is closed and the local storage released. Items still queued are
// dropped and their jobs stay processing.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	defer s.close(ctx)

	s.scheduler.Start()
	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	err := s.runner.Run(ctx)
	slog.InfoContext(ctx, "supervisor stopped", "queued", s.queue.Len())
	return err
}

func (s *Supervisor) close(ctx context.Context) {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			slog.ErrorContext(ctx, "closing local storage has failed", "error", err)
		}
	}
}
