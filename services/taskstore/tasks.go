package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classly-backend/services/normalizer"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrTaskNotFound = errors.New("task not found")

// UpsertTask reconciles one candidate into persisted state. The
// natural key is (class_id, title): an existing row with the same key
// has its mutable fields overwritten, otherwise a new row is inserted.
// Returns the persisted task and whether it was newly created.
//
// The key is deliberately lossy: two distinct items sharing an exact
// title within one class collide and merge.
func (s Store) UpsertTask(ctx context.Context, classID, sourceID string, cand normalizer.CandidateTask) (Task, bool, error) {
	ctx, span := tracer.Start(ctx, "UpsertTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("class_id", classID),
		attribute.String("title", cand.Title),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, false, err
	}
	defer tx.Rollback()

	now := time.Now()

	var existing Task
	var due, created, updated sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT id, source_id, task_type, due_at, url, status, source_label, created_at, updated_at
		FROM tasks WHERE class_id = ? AND title = ?
	`, classID, cand.Title).Scan(
		&existing.ID, &existing.SourceID, &existing.Type, &due,
		&existing.URL, &existing.Status, &existing.SourceLabel,
		&created, &updated,
	)

	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET task_type = ?, due_at = ?, url = ?, status = ?,
			    source_id = ?, source_label = ?, updated_at = ?
			WHERE id = ?
		`, cand.Type, nullableUnix(cand.DueAt), cand.URL, cand.Status,
			sourceID, cand.SourceLabel, now.Unix(), existing.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Task{}, false, err
		}
		err = tx.Commit()
		if err != nil {
			return Task{}, false, err
		}
		return Task{
			ID:          existing.ID,
			ClassID:     classID,
			SourceID:    sourceID,
			Title:       cand.Title,
			Type:        cand.Type,
			DueAt:       cand.DueAt,
			URL:         cand.URL,
			Status:      cand.Status,
			SourceLabel: cand.SourceLabel,
			CreatedAt:   time.Unix(created.Int64, 0),
			UpdatedAt:   now,
		}, false, nil

	case errors.Is(err, sql.ErrNoRows):
		id := uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, class_id, source_id, title, task_type, due_at, url, status, source_label, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, classID, sourceID, cand.Title, cand.Type, nullableUnix(cand.DueAt),
			cand.URL, cand.Status, cand.SourceLabel, now.Unix(), now.Unix())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Task{}, false, err
		}
		err = tx.Commit()
		if err != nil {
			return Task{}, false, err
		}
		return Task{
			ID:          id,
			ClassID:     classID,
			SourceID:    sourceID,
			Title:       cand.Title,
			Type:        cand.Type,
			DueAt:       cand.DueAt,
			URL:         cand.URL,
			Status:      cand.Status,
			SourceLabel: cand.SourceLabel,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, true, nil

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, false, err
	}
}

type ListTasksQuery struct {
	ClassID string
	UserID  string
	Status  normalizer.TaskStatus
}

// ListTasks returns tasks ordered by due timestamp ascending with
// nulls last. Either ClassID or UserID must be set.
func (s Store) ListTasks(ctx context.Context, q ListTasksQuery) ([]Task, error) {
	ctx, span := tracer.Start(ctx, "ListTasks")
	defer span.End()

	query := `
		SELECT t.id, t.class_id, t.source_id, t.title, t.task_type, t.due_at,
		       t.url, t.status, t.source_label, t.created_at, t.updated_at
		FROM tasks t
	`
	var args []any
	switch {
	case q.ClassID != "":
		query += ` WHERE t.class_id = ?`
		args = append(args, q.ClassID)
	case q.UserID != "":
		query += ` JOIN classes c ON c.id = t.class_id WHERE c.user_id = ?`
		args = append(args, q.UserID)
	default:
		return nil, errors.New("either class_id or user_id is required")
	}
	if q.Status != "" {
		query += ` AND t.status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY t.due_at IS NULL, t.due_at ASC, t.title ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.class_id, t.source_id, t.title, t.task_type, t.due_at,
		       t.url, t.status, t.source_label, t.created_at, t.updated_at
		FROM tasks t WHERE t.id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

// TaskPatch is the allow-list of user-mutable task fields. Nil fields
// are left untouched.
type TaskPatch struct {
	Status *normalizer.TaskStatus
	Title  *string
	DueAt  **time.Time
	Type   *normalizer.TaskType
}

// PatchTask applies a partial update restricted to the allow-list and
// returns the updated task.
func (s Store) PatchTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	ctx, span := tracer.Start(ctx, "PatchTask")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", id))

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}

	if patch.Status != nil {
		if !normalizer.ValidTaskStatus(*patch.Status) {
			return Task{}, errors.New("invalid status")
		}
		task.Status = *patch.Status
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return Task{}, errors.New("title cannot be empty")
		}
		task.Title = *patch.Title
	}
	if patch.DueAt != nil {
		task.DueAt = *patch.DueAt
	}
	if patch.Type != nil {
		if !normalizer.ValidTaskType(*patch.Type) {
			return Task{}, errors.New("invalid task type")
		}
		task.Type = *patch.Type
	}
	task.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, title = ?, due_at = ?, task_type = ?, updated_at = ?
		WHERE id = ?
	`, task.Status, task.Title, nullableUnix(task.DueAt), task.Type, task.UpdatedAt.Unix(), id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, err
	}
	return task, nil
}

// CountTasks reports how many tasks a class currently has persisted.
func (s Store) CountTasks(ctx context.Context, classID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE class_id = ?`, classID,
	).Scan(&n)
	return n, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (Task, error) {
	var t Task
	var due sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&t.ID, &t.ClassID, &t.SourceID, &t.Title, &t.Type, &due,
		&t.URL, &t.Status, &t.SourceLabel, &created, &updated,
	)
	if err != nil {
		return Task{}, err
	}
	t.DueAt = fromNullableUnix(due)
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return t, nil
}
