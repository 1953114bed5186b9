// Package taskstore persists the pipeline's durable state: class
// sources, reconciled tasks and sync job records, over a single
// sqlite database.
package taskstore

import (
	"database/sql"
	"strings"
	"time"

	_ "embed"

	"classly-backend/services/normalizer"

	"go.opentelemetry.io/otel"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("services/taskstore")

//go:embed schema.sql
var Schema string

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens (or creates) the sqlite database at path and ensures the
// schema exists.
func Open(path string) (Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, err
	}
	_, err = database.Exec(Schema)
	if err != nil && !isAlreadyExists(err) {
		return Store{}, err
	}
	return NewStore(database), nil
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

type Class struct {
	ID     string
	UserID string
	Code   string
	Title  string
}

type SourceHealth string

const (
	HealthActive SourceHealth = "active"
	HealthError  SourceHealth = "error"
)

type Source struct {
	ID            string
	ClassID       string
	Platform      string
	URL           string
	Label         string
	LastFetchedAt *time.Time
	Health        SourceHealth
}

type Task struct {
	ID          string
	ClassID     string
	SourceID    string
	Title       string
	Type        normalizer.TaskType
	DueAt       *time.Time
	URL         string
	Status      normalizer.TaskStatus
	SourceLabel string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID           string
	Owner        string
	ClassID      string
	Status       JobStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ItemsSynced  int
	ErrorMessage string
	CreatedAt    time.Time
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromNullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
