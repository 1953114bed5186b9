package syncer

import (
	"context"
	"log/slog"

	"classly-backend/lib/timezone"
	"classly-backend/services/taskstore"
)

// JobTracker runs syncs under a persisted job record so clients can
// poll progress. Status bookkeeping is best effort: a failed write to
// the jobs table is logged and swallowed, the sync itself matters more.
type JobTracker struct {
	store  taskstore.Store
	syncer *Syncer
}

func NewJobTracker(store taskstore.Store, s *Syncer) JobTracker {
	return JobTracker{store: store, syncer: s}
}

func (t JobTracker) markRunning(ctx context.Context, jobID string) {
	err := t.store.TransitionRunning(ctx, jobID, timezone.Now())
	if err != nil {
		slog.WarnContext(ctx, "failed to mark job running", "job", jobID, "err", err)
	}
}

func (t JobTracker) markCompleted(ctx context.Context, jobID string, itemsSynced int) {
	err := t.store.TransitionCompleted(ctx, jobID, itemsSynced, timezone.Now())
	if err != nil {
		slog.WarnContext(ctx, "failed to mark job completed", "job", jobID, "err", err)
	}
}

func (t JobTracker) markFailed(ctx context.Context, jobID string, message string) {
	err := t.store.TransitionFailed(ctx, jobID, message, timezone.Now())
	if err != nil {
		slog.WarnContext(ctx, "failed to mark job failed", "job", jobID, "err", err)
	}
}

// Run executes a sync synchronously under a new job record. An empty
// classID means "sync every class the user owns".
func (t JobTracker) Run(ctx context.Context, userID, classID string) (taskstore.Job, UserResult, error) {
	job, err := t.store.CreateJob(ctx, userID, classID)
	if err != nil {
		return taskstore.Job{}, UserResult{}, err
	}
	result := t.execute(ctx, job)
	final, err := t.store.GetJob(ctx, job.ID)
	if err != nil {
		final = job
	}
	return final, result, nil
}

// StartAsync creates the job record and kicks the sync off in the
// background, detached from the request context.
func (t JobTracker) StartAsync(ctx context.Context, userID, classID string) (taskstore.Job, error) {
	job, err := t.store.CreateJob(ctx, userID, classID)
	if err != nil {
		return taskstore.Job{}, err
	}
	go t.execute(context.Background(), job)
	return job, nil
}

func (t JobTracker) execute(ctx context.Context, job taskstore.Job) UserResult {
	t.markRunning(ctx, job.ID)

	var result UserResult
	var err error
	if job.ClassID != "" {
		var classResult ClassResult
		classResult, err = t.syncer.SyncClass(ctx, job.ClassID)
		result = UserResult{
			UserID:      job.Owner,
			TotalSynced: classResult.TasksSynced,
			Classes:     []ClassResult{classResult},
		}
	} else {
		result, err = t.syncer.SyncUser(ctx, job.Owner)
	}

	// failed is reserved for an error escaping the whole orchestration
	// call; absorbed per-class and per-source failures still complete
	if err != nil {
		t.markFailed(ctx, job.ID, err.Error())
		return result
	}
	t.markCompleted(ctx, job.ID, result.TotalSynced)
	return result
}
