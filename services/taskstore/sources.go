package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrClassNotFound  = errors.New("class not found")
	ErrSourceNotFound = errors.New("source not found")
)

func (s Store) CreateClass(ctx context.Context, class Class) (Class, error) {
	if class.ID == "" {
		class.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classes (id, user_id, code, title) VALUES (?, ?, ?, ?)
	`, class.ID, class.UserID, class.Code, class.Title)
	return class, err
}

func (s Store) GetClass(ctx context.Context, id string) (Class, error) {
	var c Class
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, code, title FROM classes WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.Code, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Class{}, ErrClassNotFound
	}
	return c, err
}

func (s Store) ListClassesForUser(ctx context.Context, userID string) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, code, title FROM classes WHERE user_id = ? ORDER BY code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		err := rows.Scan(&c.ID, &c.UserID, &c.Code, &c.Title)
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// ListUsers returns the distinct owners of all registered classes.
// The background sync daemon iterates over this.
func (s Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM classes ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		err := rows.Scan(&u)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s Store) CreateSource(ctx context.Context, src Source) (Source, error) {
	ctx, span := tracer.Start(ctx, "CreateSource")
	defer span.End()
	span.SetAttributes(
		attribute.String("class_id", src.ClassID),
		attribute.String("platform", src.Platform),
	)

	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Health == "" {
		src.Health = HealthActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO class_sources (id, class_id, platform, url, label, health)
		VALUES (?, ?, ?, ?, ?, ?)
	`, src.ID, src.ClassID, src.Platform, src.URL, src.Label, src.Health)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Source{}, err
	}
	return src, nil
}

func (s Store) ListSources(ctx context.Context, classID string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, platform, url, label, last_fetched_at, health
		FROM class_sources WHERE class_id = ?
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var fetched sql.NullInt64
		err := rows.Scan(&src.ID, &src.ClassID, &src.Platform, &src.URL, &src.Label, &fetched, &src.Health)
		if err != nil {
			return nil, err
		}
		src.LastFetchedAt = fromNullableUnix(fetched)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// MarkSourceFetched records a successful fetch: bumps the timestamp
// and flips health back to active. Failed fetches intentionally leave
// the row alone; health only tracks the success path.
func (s Store) MarkSourceFetched(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE class_sources SET last_fetched_at = ?, health = ? WHERE id = ?
	`, at.Unix(), HealthActive, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSourceNotFound
	}
	return nil
}
