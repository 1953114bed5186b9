package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

func (s Store) CreateJob(ctx context.Context, owner, classID string) (Job, error) {
	job := Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		ClassID:   classID,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, owner, class_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.Owner, job.ClassID, job.Status, job.CreatedAt.Unix())
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// TransitionRunning moves a pending job to running. The status guard in
// the WHERE clause makes every transition a one-way street; a job that
// already ran (or was cancelled) is left untouched.
func (s Store) TransitionRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, `
		UPDATE sync_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, JobRunning, at.Unix(), id, JobPending)
}

func (s Store) TransitionCompleted(ctx context.Context, id string, itemsSynced int, at time.Time) error {
	return s.transition(ctx, `
		UPDATE sync_jobs SET status = ?, items_synced = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, JobCompleted, itemsSynced, at.Unix(), id, JobRunning)
}

func (s Store) TransitionFailed(ctx context.Context, id string, message string, at time.Time) error {
	return s.transition(ctx, `
		UPDATE sync_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, JobFailed, message, at.Unix(), id, JobRunning)
}

func (s Store) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CancelJob marks a running job failed with a cancellation message.
// Returns false when the job is not currently running, which includes
// jobs that finished before the cancel arrived.
func (s Store) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, JobFailed, "cancelled by user", time.Now().Unix(), id, JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, class_id, status, started_at, completed_at,
			items_synced, error_message, created_at
		FROM sync_jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s Store) GetRecentJobs(ctx context.Context, owner string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, class_id, status, started_at, completed_at,
			items_synced, error_message, created_at
		FROM sync_jobs WHERE owner = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row scannable) (Job, error) {
	var job Job
	var started, completed sql.NullInt64
	var classID, errMsg sql.NullString
	var createdAt int64
	err := row.Scan(
		&job.ID, &job.Owner, &classID, &job.Status, &started, &completed,
		&job.ItemsSynced, &errMsg, &createdAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.ClassID = classID.String
	job.ErrorMessage = errMsg.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.StartedAt = fromNullableUnix(started)
	job.CompletedAt = fromNullableUnix(completed)
	return job, nil
}
