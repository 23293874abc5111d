package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/geopilot/geopilot/internal/model"
)

// jobDefinition turns a schedule into a gocron job definition. Duration
// accepts Go and ISO 8601 formats.
func jobDefinition(ctx context.Context, cfg model.Schedule) (gocron.JobDefinition, error) {
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing cleanup.schedule.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Duration != "":
		d, err := model.ParseDuration(cfg.Duration, 0)
		if err != nil {
			return nil, fmt.Errorf("parsing cleanup.schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and duration are empty")
	}
}

// newScheduler registers one gocron job per task, all sharing the schedule.
// Tasks get ctx, the scheduler itself is started by the caller.
func newScheduler(ctx context.Context, cfg model.Schedule, tasks ...func(context.Context)) (gocron.Scheduler, error) {
	def, err := jobDefinition(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for _, task := range tasks {
		_, err = s.NewJob(
			def,
			gocron.NewTask(func() { task(ctx) }),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
	}
	return s, nil
}
