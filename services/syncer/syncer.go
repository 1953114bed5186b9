// Package syncer orchestrates the scrape pipeline: it walks a class's
// registered sources, fetches raw platform data, normalizes it into
// candidate tasks and reconciles those into the task store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"classly-backend/lib/timezone"
	"classly-backend/services/keychain"
	"classly-backend/services/normalizer"
	"classly-backend/services/platforms"
	"classly-backend/services/taskstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/syncer")

// ErrSyncInProgress is returned when a sync for the same class is
// already running. Callers should retry once the current one finishes.
var ErrSyncInProgress = errors.New("sync already in progress for this class")

type SourceError struct {
	SourceID string `json:"source_id"`
	Platform string `json:"platform"`
	Message  string `json:"message"`
}

type ClassResult struct {
	ClassID     string        `json:"class_id"`
	ClassCode   string        `json:"class_code"`
	TasksSynced int           `json:"tasks_synced"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Degraded    bool          `json:"degraded,omitempty"`
	Errors      []SourceError `json:"errors,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type UserResult struct {
	UserID      string        `json:"user_id"`
	TotalSynced int           `json:"total_synced"`
	Classes     []ClassResult `json:"classes"`
}

type Syncer struct {
	store      taskstore.Store
	registry   *platforms.Registry
	normalizer *normalizer.Service
	keychain   keychain.Service

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(store taskstore.Store, registry *platforms.Registry, norm *normalizer.Service, kc keychain.Service) *Syncer {
	return &Syncer{
		store:      store,
		registry:   registry,
		normalizer: norm,
		keychain:   kc,
		inflight:   make(map[string]struct{}),
	}
}

func (s *Syncer) acquire(classID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[classID]; busy {
		return false
	}
	s.inflight[classID] = struct{}{}
	return true
}

func (s *Syncer) release(classID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, classID)
}

// SyncClass runs the full pipeline for one class. Source failures are
// recorded in the result rather than aborting the sync; the returned
// error is reserved for conditions that stop the whole class, like a
// concurrent sync of the same class or a missing class row.
func (s *Syncer) SyncClass(ctx context.Context, classID string) (ClassResult, error) {
	ctx, span := tracer.Start(ctx, "SyncClass")
	defer span.End()
	span.SetAttributes(attribute.String("class_id", classID))

	if !s.acquire(classID) {
		span.SetStatus(codes.Error, ErrSyncInProgress.Error())
		return ClassResult{ClassID: classID}, ErrSyncInProgress
	}
	defer s.release(classID)

	class, err := s.store.GetClass(ctx, classID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ClassResult{ClassID: classID}, err
	}

	sources, err := s.store.ListSources(ctx, classID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ClassResult{ClassID: classID}, err
	}

	result := ClassResult{ClassID: class.ID, ClassCode: class.Code}
	for _, src := range sources {
		s.syncSource(ctx, class, src, &result)
	}

	span.SetAttributes(
		attribute.Int("tasks_synced", result.TasksSynced),
		attribute.Int("source_errors", len(result.Errors)),
	)
	return result, nil
}

func (s *Syncer) syncSource(ctx context.Context, class taskstore.Class, src taskstore.Source, result *ClassResult) {
	ctx, span := tracer.Start(ctx, "syncSource")
	defer span.End()
	span.SetAttributes(
		attribute.String("source_id", src.ID),
		attribute.String("platform", src.Platform),
	)

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "source sync failed",
			"class", class.Code, "source", src.ID, "platform", src.Platform, "err", err)
		result.Errors = append(result.Errors, SourceError{
			SourceID: src.ID,
			Platform: src.Platform,
			Message:  err.Error(),
		})
	}

	// a scraper bug must not take out the rest of the class
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if src.URL == "" {
		slog.DebugContext(ctx, "skipping source with no url", "source", src.ID)
		return
	}

	tag := platforms.Tag(src.Platform)
	if tag == "" || tag == platforms.Unknown {
		tag = platforms.Detect(src.URL)
	}
	fetcher, ok := s.registry.Lookup(tag)
	if !ok {
		fail(fmt.Errorf("%w: no scraper for platform %q", platforms.ErrUnsupportedPlatform, tag))
		return
	}

	auth, err := s.keychain.AuthFor(ctx, tag, class.UserID)
	if err != nil {
		fail(fmt.Errorf("resolve credentials: %w", err))
		return
	}

	raw, err := fetcher.Fetch(ctx, src.URL, auth)
	if err != nil {
		fail(err)
		return
	}
	err = s.store.MarkSourceFetched(ctx, src.ID, timezone.Now())
	if err != nil {
		slog.WarnContext(ctx, "failed to mark source fetched", "source", src.ID, "err", err)
	}

	outcome := s.normalizer.Normalize(ctx, raw, normalizer.ClassContext{
		ID:    class.ID,
		Code:  class.Code,
		Title: class.Title,
	})
	switch outcome.Kind {
	case normalizer.OutcomeFailed:
		fail(fmt.Errorf("normalize: %s", outcome.Reason))
		return
	case normalizer.OutcomeDegraded:
		result.Degraded = true
		slog.InfoContext(ctx, "normalizer degraded to rule-based parsing",
			"source", src.ID, "reason", outcome.Reason)
	}

	for _, cand := range outcome.Tasks {
		_, created, err := s.store.UpsertTask(ctx, class.ID, src.ID, cand)
		if err != nil {
			fail(fmt.Errorf("upsert %q: %w", cand.Title, err))
			continue
		}
		result.TasksSynced++
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}
}

// SyncUser syncs every class the user owns, sequentially. A class that
// fails entirely is reported in its result; it never stops the others.
func (s *Syncer) SyncUser(ctx context.Context, userID string) (UserResult, error) {
	ctx, span := tracer.Start(ctx, "SyncUser")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	classes, err := s.store.ListClassesForUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UserResult{UserID: userID}, err
	}

	result := UserResult{UserID: userID}
	for _, class := range classes {
		classResult, err := s.SyncClass(ctx, class.ID)
		if err != nil {
			classResult = ClassResult{
				ClassID:   class.ID,
				ClassCode: class.Code,
				Error:     err.Error(),
			}
		}
		result.TotalSynced += classResult.TasksSynced
		result.Classes = append(result.Classes, classResult)
	}
	return result, nil
}
