package syncer

import (
	"context"
	"log/slog"

	"classly-backend/lib/timezone"

	"github.com/robfig/cron/v3"
)

// Daemon periodically syncs every registered user on a cron schedule.
type Daemon struct {
	tracker JobTracker
	cron    *cron.Cron
}

func NewDaemon(tracker JobTracker) *Daemon {
	return &Daemon{
		tracker: tracker,
		cron:    cron.New(cron.WithLocation(timezone.Location)),
	}
}

// Start registers the schedule and begins running. Schedules use the
// standard 5-field cron format, e.g. "0 6 * * *" for 6am daily.
func (d *Daemon) Start(spec string) error {
	_, err := d.cron.AddFunc(spec, func() {
		d.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	slog.Info("sync daemon started", "spec", spec)
	return nil
}

func (d *Daemon) Stop() {
	<-d.cron.Stop().Done()
}

// RunOnce syncs every user sequentially. Per-user failures are logged
// and do not stop the sweep.
func (d *Daemon) RunOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "DaemonRunOnce")
	defer span.End()

	users, err := d.tracker.store.ListUsers(ctx)
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "sync daemon failed to list users", "err", err)
		return
	}

	for _, user := range users {
		job, result, err := d.tracker.Run(ctx, user, "")
		if err != nil {
			slog.WarnContext(ctx, "scheduled sync failed", "user", user, "err", err)
			continue
		}
		slog.InfoContext(ctx, "scheduled sync finished",
			"user", user, "job", job.ID, "tasks_synced", result.TotalSynced)
	}
}
