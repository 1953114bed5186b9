package syncer_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"classly-backend/lib/testutil"
	"classly-backend/services/keychain"
	"classly-backend/services/normalizer"
	"classly-backend/services/platforms"
	"classly-backend/services/syncer"
	"classly-backend/services/taskstore"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	db       *sql.DB
	store    taskstore.Store
	registry *platforms.Registry
	keychain keychain.Service
	syncer   *syncer.Syncer
}

func setupSyncer(t *testing.T) fixture {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "syncer",
		DbSchema: taskstore.Schema + keychain.Schema,
	})
	t.Cleanup(cleanup)

	store := taskstore.NewStore(result.DB)
	registry := platforms.NewRegistry()
	kc := keychain.NewService(result.DB)
	// no rich endpoint configured, normalization degrades to rules
	norm := normalizer.NewService(normalizer.RichConfig{})

	return fixture{
		db:       result.DB,
		store:    store,
		registry: registry,
		keychain: kc,
		syncer:   syncer.New(store, registry, norm, kc),
	}
}

type stubFetcher struct {
	result *platforms.RawResult
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, sourceUrl string, auth platforms.AuthContext) (*platforms.RawResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.SourceURL = sourceUrl
	res.FetchedAt = time.Now()
	return &res, nil
}

func canvasRaw(titles ...string) *platforms.RawResult {
	var rows []platforms.Row
	for _, title := range titles {
		rows = append(rows, platforms.Row{Title: title, DueText: "Due Feb 3 at 11:59pm"})
	}
	return &platforms.RawResult{Platform: platforms.Canvas, Rows: rows}
}

func prairieLearnRaw() *platforms.RawResult {
	return &platforms.RawResult{
		Platform: platforms.PrairieLearn,
		Rows: []platforms.Row{
			{Label: "A1", Title: "Intro Assessment", DueText: "until 23:59, Tue, Feb 3", StatusText: "Not started", Week: "Week 1"},
		},
	}
}

func seed(t *testing.T, f fixture, userID, code string, sources ...taskstore.Source) taskstore.Class {
	class, err := f.store.CreateClass(context.Background(), taskstore.Class{
		UserID: userID, Code: code, Title: code,
	})
	require.NoError(t, err)
	for _, src := range sources {
		src.ClassID = class.ID
		_, err := f.store.CreateSource(context.Background(), src)
		require.NoError(t, err)
	}
	return class
}

func TestSyncClassMergesSources(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})
	f.registry.Register(platforms.PrairieLearn, &stubFetcher{result: prairieLearnRaw()})

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
		taskstore.Source{Platform: string(platforms.PrairieLearn), URL: "https://pl.test/course_instance/2"},
	)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Equal(t, 2, result.TasksSynced)
	require.Equal(t, 2, result.Created)
	require.True(t, result.Degraded)

	tasks, err := f.store.ListTasks(ctx, taskstore.ListTasksQuery{ClassID: class.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// rerun converges instead of duplicating
	result, err = f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Equal(t, 2, result.TasksSynced)
	require.Equal(t, 0, result.Created)
	require.Equal(t, 2, result.Updated)

	count, err := f.store.CountTasks(ctx, class.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSyncClassIsolatesSourceFailures(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})
	f.registry.Register(platforms.PrairieLearn, &stubFetcher{
		err: platforms.FetchFailed(errors.New("status 503")),
	})
	f.registry.Register(platforms.Gradescope, &stubFetcher{result: canvasRaw("PS2")})

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
		taskstore.Source{Platform: string(platforms.PrairieLearn), URL: "https://pl.test/course_instance/2"},
		taskstore.Source{Platform: string(platforms.Gradescope), URL: "https://gradescope.test/courses/3"},
	)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Equal(t, 2, result.TasksSynced)
	require.Len(t, result.Errors, 1)
	require.Equal(t, string(platforms.PrairieLearn), result.Errors[0].Platform)
	require.Contains(t, result.Errors[0].Message, "fetch failed")
}

func TestSyncClassIsolatesCandidateFailures(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("Alpha", "Poison", "Beta")})
	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)

	// a trigger stands in for a row-level storage failure on one
	// candidate; the rest of the batch must still reconcile
	_, err := f.db.Exec(`
		CREATE TRIGGER reject_one_title BEFORE INSERT ON tasks
		WHEN NEW.title = 'Poison' BEGIN
			SELECT RAISE(ABORT, 'write rejected');
		END
	`)
	require.NoError(t, err)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Equal(t, 2, result.TasksSynced)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0].Message, "Poison")

	tasks, err := f.store.ListTasks(ctx, taskstore.ListTasksQuery{ClassID: class.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "Alpha", tasks[0].Title)
	require.Equal(t, "Beta", tasks[1].Title)
}

func TestSyncClassNoFetcherRegistered(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: "campuswire", URL: "https://campuswire.test/c/abc"},
	)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Zero(t, result.TasksSynced)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0].Message, "no scraper for platform")
}

func TestSyncClassSkipsEmptyUrls(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	fetcher := &stubFetcher{result: canvasRaw("MP1")}
	f.registry.Register(platforms.Canvas, fetcher)

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: ""},
	)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Zero(t, fetcher.calls.Load())
}

func TestSyncClassMarksSourceFetchedOnSuccessOnly(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})
	f.registry.Register(platforms.PrairieLearn, &stubFetcher{err: platforms.ErrAuthRequired})

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
		taskstore.Source{Platform: string(platforms.PrairieLearn), URL: "https://pl.test/course_instance/2"},
	)

	_, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)

	sources, err := f.store.ListSources(ctx, class.ID)
	require.NoError(t, err)
	for _, src := range sources {
		switch src.Platform {
		case string(platforms.Canvas):
			require.NotNil(t, src.LastFetchedAt)
		case string(platforms.PrairieLearn):
			require.Nil(t, src.LastFetchedAt)
		}
	}
}

func TestSyncClassRejectsConcurrentSync(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	block := make(chan struct{})
	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1"), block: block})

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)

	done := make(chan error, 1)
	go func() {
		_, err := f.syncer.SyncClass(ctx, class.ID)
		done <- err
	}()

	// wait for the first sync to take the class lock
	require.Eventually(t, func() bool {
		_, err := f.syncer.SyncClass(ctx, class.ID)
		return errors.Is(err, syncer.ErrSyncInProgress)
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.NoError(t, <-done)

	// lock is released once the sync finishes
	_, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
}

func TestSyncUserIsolatesClassFailures(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})

	a := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)
	b := seed(t, f, "u1", "CS 374",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/2"},
	)

	// hold b's lock so its sync fails while a's succeeds
	release := holdLock(t, f, b.ID)
	defer release()

	result, err := f.syncer.SyncUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, result.Classes, 2)
	require.Equal(t, 1, result.TotalSynced)

	byID := map[string]syncer.ClassResult{}
	for _, class := range result.Classes {
		byID[class.ClassID] = class
	}
	require.Empty(t, byID[a.ID].Error)
	require.Contains(t, byID[b.ID].Error, "in progress")
}

// holdLock starts a sync of classID that blocks until the returned
// function is called, pinning the class's in-flight lock.
func holdLock(t *testing.T, f fixture, classID string) func() {
	block := make(chan struct{})
	blocker := &stubFetcher{result: canvasRaw("held"), block: block}
	f.registry.Register(platforms.Campuswire, blocker)

	ctx := context.Background()
	_, err := f.store.CreateSource(ctx, taskstore.Source{
		ClassID:  classID,
		Platform: string(platforms.Campuswire),
		URL:      "https://campuswire.test/c/held",
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.syncer.SyncClass(ctx, classID)
	}()
	require.Eventually(t, func() bool {
		return blocker.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)

	return func() {
		close(block)
		<-done
	}
}

func TestJobTrackerLifecycle(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1", "MP2")})
	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)

	tracker := syncer.NewJobTracker(f.store, f.syncer)
	job, result, err := tracker.Run(ctx, "u1", class.ID)
	require.NoError(t, err)
	require.Equal(t, taskstore.JobCompleted, job.Status)
	require.Equal(t, 2, job.ItemsSynced)
	require.Equal(t, 2, result.TotalSynced)
	require.NotNil(t, job.CompletedAt)
}

func TestJobTrackerMarksFailure(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	tracker := syncer.NewJobTracker(f.store, f.syncer)
	job, _, err := tracker.Run(ctx, "u1", "no-such-class")
	require.NoError(t, err)
	require.Equal(t, taskstore.JobFailed, job.Status)
	require.NotEmpty(t, job.ErrorMessage)
}

func TestJobTrackerCompletesWhenClassFailuresAbsorbed(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	class := seed(t, f, "u1", "CS 341")

	// every class in the sweep fails, but the orchestration call
	// itself returns cleanly, so the job still completes
	release := holdLock(t, f, class.ID)
	defer release()

	tracker := syncer.NewJobTracker(f.store, f.syncer)
	job, result, err := tracker.Run(ctx, "u1", "")
	require.NoError(t, err)
	require.Equal(t, taskstore.JobCompleted, job.Status)
	require.Equal(t, 0, job.ItemsSynced)
	require.Len(t, result.Classes, 1)
	require.Contains(t, result.Classes[0].Error, "in progress")
}

func TestJobTrackerAsync(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})
	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)

	tracker := syncer.NewJobTracker(f.store, f.syncer)
	job, err := tracker.StartAsync(ctx, "u1", class.ID)
	require.NoError(t, err)
	require.Equal(t, taskstore.JobPending, job.Status)

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(ctx, job.ID)
		return err == nil && got.Status == taskstore.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ItemsSynced)
}

func TestEmptyTitlesNeverPersist(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	raw := &platforms.RawResult{
		Platform: platforms.Canvas,
		Rows: []platforms.Row{
			{Title: ""},
			{Title: "Real Assignment"},
		},
	}
	f.registry.Register(platforms.Canvas, &stubFetcher{result: raw})

	class := seed(t, f, "u1", "CS 341",
		taskstore.Source{Platform: string(platforms.Canvas), URL: "https://canvas.test/courses/1"},
	)

	result, err := f.syncer.SyncClass(ctx, class.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.TasksSynced)

	tasks, err := f.store.ListTasks(ctx, taskstore.ListTasksQuery{ClassID: class.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Real Assignment", tasks[0].Title)
}

func TestDaemonRunOnce(t *testing.T) {
	f := setupSyncer(t)
	ctx := context.Background()

	f.registry.Register(platforms.Canvas, &stubFetcher{result: canvasRaw("MP1")})
	for i, user := range []string{"u1", "u2"} {
		seed(t, f, user, fmt.Sprintf("CS %d", 100+i),
			taskstore.Source{Platform: string(platforms.Canvas), URL: fmt.Sprintf("https://canvas.test/courses/%d", i+1)},
		)
	}

	daemon := syncer.NewDaemon(syncer.NewJobTracker(f.store, f.syncer))
	daemon.RunOnce(ctx)

	for _, user := range []string{"u1", "u2"} {
		jobs, err := f.store.GetRecentJobs(ctx, user, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, taskstore.JobCompleted, jobs[0].Status)
	}
}
