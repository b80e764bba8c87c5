package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegrab/internal/domain"
	"coursegrab/internal/ledger"
	"coursegrab/internal/pathplan"
	"coursegrab/internal/runner"
)

// fakeRunner scripts per-item outcomes keyed by ordinal. Items without a
// script succeed with a short progress sequence.
type fakeRunner struct {
	mu      sync.Mutex
	title   string
	items   []domain.QueueItem
	enumErr error
	runs    []runner.Job
	script  map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error
}

func (f *fakeRunner) Enumerate(ctx context.Context, req domain.DownloadRequest) (string, []domain.QueueItem, error) {
	if f.enumErr != nil {
		return "", nil, f.enumErr
	}
	items := make([]domain.QueueItem, len(f.items))
	copy(items, f.items)
	return f.title, items, nil
}

func (f *fakeRunner) Run(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
	f.mu.Lock()
	f.runs = append(f.runs, job)
	fn := f.script[job.Item.Ordinal]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, job, emit)
	}
	emit(domain.ProgressEvent{Kind: domain.EventStarted, Destination: "/tmp/out"})
	emit(domain.ProgressEvent{Kind: domain.EventDownloading, Percent: pct(50)})
	emit(domain.ProgressEvent{Kind: domain.EventDownloading, Percent: pct(100)})
	emit(domain.ProgressEvent{Kind: domain.EventItemComplete})
	return nil
}

func (f *fakeRunner) ranOrdinals() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ordinals := make([]int, 0, len(f.runs))
	for _, job := range f.runs {
		ordinals = append(ordinals, job.Item.Ordinal)
	}
	return ordinals
}

func pct(v float64) *float64 { return &v }

func courseItems(n int) []domain.QueueItem {
	items := make([]domain.QueueItem, n)
	for i := range items {
		items[i] = domain.QueueItem{
			Ordinal:   i + 1,
			TargetURL: fmt.Sprintf("https://example.com/v/%d", i+1),
			ArchiveID: fmt.Sprintf("example v%d", i+1),
			Title:     fmt.Sprintf("Lesson %d", i+1),
			Status:    domain.ItemStatusPending,
		}
	}
	return items
}

func newTestController(t *testing.T, fr *fakeRunner, cfg Config) Controller {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg.Logger = logger
	ctrl := NewController(cfg, fr, nil, nil)
	t.Cleanup(ctrl.Shutdown)
	return ctrl
}

// collect drains events until the session reaches a terminal status.
func collect(t *testing.T, ch <-chan domain.OverallProgressEvent) []domain.OverallProgressEvent {
	t.Helper()
	var events []domain.OverallProgressEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Status.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal session event")
		}
	}
}

func itemEvents(events []domain.OverallProgressEvent, kind domain.EventKind) []domain.OverallProgressEvent {
	var out []domain.OverallProgressEvent
	for _, ev := range events {
		if ev.Item != nil && ev.Item.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestStartRunsEveryItemToCompletion(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{title: "Intro to Go", items: courseItems(3)}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	id, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedCount)
	assert.Zero(t, final.SkippedCount)
	assert.Zero(t, final.FailedCount)
	assert.Equal(t, float64(100), final.OverallPercent)
	assert.Equal(t, "Done. 3/3 completed.", final.Message)
	assert.Len(t, itemEvents(events, domain.EventItemComplete), 3)
	assert.Equal(t, []int{1, 2, 3}, fr.ranOrdinals())

	ids, err := ledger.Read(pathplan.ArchivePath(dest, "download-archive.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example v1", "example v2", "example v3"}, ids)
}

func TestStartSkipsItemsAlreadyInArchive(t *testing.T) {
	dest := t.TempDir()
	led, err := ledger.Open(pathplan.ArchivePath(dest, "download-archive.txt"))
	require.NoError(t, err)
	require.NoError(t, led.Append("example v2"))
	require.NoError(t, led.Close())

	fr := &fakeRunner{title: "Intro to Go", items: courseItems(3)}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err = ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, 1, final.SkippedCount)
	// Item 2 must resolve without spawning the tool at all.
	assert.Equal(t, []int{1, 3}, fr.ranOrdinals())

	skips := itemEvents(events, domain.EventItemSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, 2, skips[0].Item.ItemIndex)
}

func TestStartContinuesPastFailedItem(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(3),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			2: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				emit(domain.ProgressEvent{Kind: domain.EventStarted})
				emit(domain.ProgressEvent{Kind: domain.EventItemFailed, Message: "HTTP Error 403: Forbidden"})
				return nil
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Equal(t, []int{1, 2, 3}, fr.ranOrdinals())
	assert.Equal(t, "Done. 2/3 completed.", final.Message)

	snap := ctrl.Snapshot()
	require.Len(t, snap.Session.Items, 3)
	assert.Equal(t, domain.ItemStatusFailed, snap.Session.Items[1].Status)
	assert.Equal(t, "HTTP Error 403: Forbidden", snap.Session.Items[1].Error)

	// The failed item must never enter the dedup archive.
	ids, err := ledger.Read(pathplan.ArchivePath(dest, "download-archive.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example v1", "example v3"}, ids)
}

func TestStartAbortsOnFailureWhenConfigured(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(3),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			2: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				emit(domain.ProgressEvent{Kind: domain.EventItemFailed, Message: "HTTP Error 403: Forbidden"})
				return nil
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest, OnItemFailure: FailAbort})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionFailed, final.Status)
	assert.Equal(t, []int{1, 2}, fr.ranOrdinals())
}

func TestCancelStopsCurrentItemAndAbandonsRest(t *testing.T) {
	dest := t.TempDir()
	started := make(chan struct{})
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(3),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			2: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				emit(domain.ProgressEvent{Kind: domain.EventStarted})
				close(started)
				<-ctx.Done()
				emit(domain.ProgressEvent{Kind: domain.EventCancelled})
				return ctx.Err()
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("item 2 never started")
	}
	ctrl.Cancel()

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionCancelled, final.Status)
	assert.Equal(t, 1, final.CompletedCount)
	assert.Equal(t, "Cancelled. 1/3 done.", final.Message)
	// Item 3 must never start.
	assert.Equal(t, []int{1, 2}, fr.ranOrdinals())

	snap := ctrl.Snapshot()
	require.Len(t, snap.Session.Items, 3)
	assert.Equal(t, domain.ItemStatusCompleted, snap.Session.Items[0].Status)
	assert.Equal(t, domain.ItemStatusCancelled, snap.Session.Items[1].Status)
	assert.Equal(t, domain.ItemStatusPending, snap.Session.Items[2].Status)

	// Item 1 finished before the cancel and stays recorded.
	ids, err := ledger.Read(pathplan.ArchivePath(dest, "download-archive.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example v1"}, ids)
}

func TestStartRejectsSecondSessionWhileRunning(t *testing.T) {
	dest := t.TempDir()
	release := make(chan struct{})
	entered := make(chan struct{})
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(1),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			1: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				close(entered)
				<-release
				emit(domain.ProgressEvent{Kind: domain.EventItemComplete})
				return nil
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never reached the runner")
	}

	_, err = ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/other"})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	close(release)
	events := collect(t, ch)
	assert.Equal(t, domain.SessionCompleted, events[len(events)-1].Status)

	// Once terminal, a new session may start.
	_, err = ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/other"})
	require.NoError(t, err)
}

func TestStartValidatesRequest(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{title: "x", items: courseItems(1)}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	cases := []struct {
		name string
		req  domain.DownloadRequest
	}{
		{"empty url", domain.DownloadRequest{}},
		{"blank url", domain.DownloadRequest{URL: "   "}},
		{"unknown site", domain.DownloadRequest{URL: "https://x", Site: "myspace"}},
		{"unknown mode", domain.DownloadRequest{URL: "https://x", Mode: "turbo"}},
		{"missing cookie file", domain.DownloadRequest{URL: "https://x", CookieFile: dest + "/nope.txt"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ctrl.Start(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err), "want validation error, got %v", err)
		})
	}

	// Nothing may have started.
	assert.Empty(t, fr.ranOrdinals())
	assert.Equal(t, domain.SessionIdle, ctrl.Snapshot().Session.Status)
}

func TestStartFailsSessionWhenEnumerationFails(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{enumErr: errors.New("enumerate https://x: unsupported URL")}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://x"})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]
	assert.Equal(t, domain.SessionFailed, final.Status)
	assert.Contains(t, ctrl.Snapshot().Session.ErrorMessage, "unsupported URL")
}

func TestStartFailsSessionWhenToolCannotLaunch(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(2),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			1: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				return errors.New(`start download tool: exec: "yt-dlp": executable file not found in $PATH`)
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]
	assert.Equal(t, domain.SessionFailed, final.Status)
	assert.Equal(t, []int{1}, fr.ranOrdinals())

	snap := ctrl.Snapshot()
	assert.Equal(t, domain.ItemStatusFailed, snap.Session.Items[0].Status)
}

func TestOverallPercentNeverDecreases(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{title: "Intro to Go", items: courseItems(4)}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	events := collect(t, ch)
	last := float64(0)
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.OverallPercent, last, "event %d went backwards", i)
		last = ev.OverallPercent
	}
	assert.Equal(t, float64(100), last)
}

func TestPlaylistModeFollowsToolReportedIndexes(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			1: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				emit(domain.ProgressEvent{Kind: domain.EventStarted, ItemIndex: 1, ItemTotal: 4})
				emit(domain.ProgressEvent{Kind: domain.EventDownloading, ItemIndex: 1, ItemTotal: 4, Percent: pct(100)})
				emit(domain.ProgressEvent{Kind: domain.EventStarted, ItemIndex: 2, ItemTotal: 4})
				emit(domain.ProgressEvent{Kind: domain.EventItemSkipped, ItemIndex: 3, ItemTotal: 4, Message: "already recorded"})
				emit(domain.ProgressEvent{Kind: domain.EventStarted, ItemIndex: 4, ItemTotal: 4})
				return nil
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	ch, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{
		URL:  "https://example.com/playlist",
		Mode: domain.RunModePlaylist,
	})
	require.NoError(t, err)

	events := collect(t, ch)
	final := events[len(events)-1]

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 4, final.ItemTotal)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Equal(t, 3, final.CompletedCount)
	assert.Equal(t, "Done. 3/4 completed.", final.Message)

	// A single invocation covers the whole playlist.
	assert.Equal(t, []int{1}, fr.ranOrdinals())
}

func TestCancelWithoutSessionIsNoOp(t *testing.T) {
	fr := &fakeRunner{}
	ctrl := newTestController(t, fr, Config{DestinationRoot: t.TempDir()})
	ctrl.Cancel()
	assert.Equal(t, domain.SessionIdle, ctrl.Snapshot().Session.Status)
}

func TestSlowSubscriberNeverStallsSession(t *testing.T) {
	dest := t.TempDir()
	fr := &fakeRunner{
		title: "Intro to Go",
		items: courseItems(1),
		script: map[int]func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error{
			1: func(ctx context.Context, job runner.Job, emit runner.EmitFunc) error {
				for i := 0; i < 2*subscriberBuffer; i++ {
					emit(domain.ProgressEvent{Kind: domain.EventDownloading, Percent: pct(float64(i % 100))})
				}
				emit(domain.ProgressEvent{Kind: domain.EventItemComplete})
				return nil
			},
		},
	}
	ctrl := newTestController(t, fr, Config{DestinationRoot: dest})

	// Subscribed but never reading.
	_, unsub := ctrl.Subscribe()
	defer unsub()

	_, err := ctrl.Start(context.Background(), domain.DownloadRequest{URL: "https://example.com/course"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Session.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.SessionCompleted, ctrl.Snapshot().Session.Status)
}
