// Package session owns the download lifecycle: it sequences one subprocess
// invocation at a time, consults the dedup ledger before each item,
// aggregates per-item progress into session-wide events, and enforces the
// one-running-session rule.
package session

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"coursegrab/internal/domain"
	"coursegrab/internal/ledger"
	"coursegrab/internal/pathplan"
	"coursegrab/internal/runner"
	"coursegrab/internal/service"
	"coursegrab/internal/storage"
)

// FailurePolicy decides what happens to the rest of the queue when one item
// fails.
type FailurePolicy string

const (
	// FailContinue keeps going and reports the failure in the final summary.
	FailContinue FailurePolicy = "continue"
	// FailAbort stops the session at the first failed item.
	FailAbort FailurePolicy = "abort"
)

const subscriberBuffer = 256

// Controller coordinates download sessions. At most one session runs at a
// time; starting a second one fails with domain.ErrAlreadyRunning.
type Controller interface {
	// Start validates the request and launches a new session, returning its
	// id. The session runs asynchronously; follow it via Subscribe or
	// Snapshot.
	Start(ctx context.Context, req domain.DownloadRequest) (string, error)
	// Cancel requests cooperative shutdown of the running session. Safe to
	// call at any time; a no-op when nothing is running.
	Cancel()
	// Subscribe returns a channel of aggregated progress events and a
	// function releasing the subscription. Slow consumers lose intermediate
	// events rather than stalling the session.
	Subscribe() (<-chan domain.OverallProgressEvent, func())
	// Snapshot returns a copy of the current session state, or an idle
	// snapshot when no session has run yet.
	Snapshot() domain.SessionSnapshot
	// Shutdown cancels any running session and blocks until it has wound
	// down.
	Shutdown()
}

type Config struct {
	// DestinationRoot is used when a request does not name one.
	DestinationRoot string
	// DefaultMode applies when a request does not pick a run mode.
	DefaultMode domain.RunMode
	// ArchiveFileName is the ledger file kept inside the destination root.
	ArchiveFileName string
	OnItemFailure   FailurePolicy
	// UploadOptions configures the optional post-completion mirror; ignored
	// unless a storage service is wired in.
	UploadOptions storage.UploadOptions
	Logger        *logrus.Logger
}

type controller struct {
	cfg     Config
	runner  runner.Runner
	history service.HistoryService
	storage storage.Service
	log     *logrus.Entry

	wg      sync.WaitGroup
	mu      sync.Mutex
	current *sessionHandle

	subMu   sync.Mutex
	subs    map[int]chan domain.OverallProgressEvent
	nextSub int
}

// sessionHandle tracks one session run. The run goroutine is the only
// writer; every access goes through the controller mutex because Snapshot
// reads concurrently.
type sessionHandle struct {
	session domain.Session
	items   []domain.QueueItem
	cancel  context.CancelFunc
	done    chan struct{}

	currentIndex int     // 1-based ordinal of the in-flight item
	itemFraction float64 // progress of the in-flight item in [0,1]
}

// NewController wires a controller. history may be nil to skip persistence;
// store may be nil to disable mirroring.
func NewController(cfg Config, r runner.Runner, history service.HistoryService, store storage.Service) Controller {
	if cfg.ArchiveFileName == "" {
		cfg.ArchiveFileName = "download-archive.txt"
	}
	if cfg.OnItemFailure == "" {
		cfg.OnItemFailure = FailContinue
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.RunModePerItem
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &controller{
		cfg:     cfg,
		runner:  r,
		history: history,
		storage: store,
		log:     cfg.Logger.WithField("component", "session"),
		subs:    make(map[int]chan domain.OverallProgressEvent),
	}
}

func (c *controller) Start(ctx context.Context, req domain.DownloadRequest) (string, error) {
	req, err := c.normalize(req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.current != nil && !c.current.session.Status.Terminal() {
		c.mu.Unlock()
		return "", domain.ErrAlreadyRunning
	}
	now := time.Now().UTC()
	runCtx, cancel := context.WithCancel(context.Background())
	h := &sessionHandle{
		session: domain.Session{
			ID:          uuid.NewString(),
			URL:         req.URL,
			Site:        req.Site,
			Destination: req.DestinationRoot,
			Mode:        req.Mode,
			Status:      domain.SessionRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = h
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, h, req)
	return h.session.ID, nil
}

// normalize fills request defaults and rejects what cannot run. Sessions
// never start on a validation failure.
func (c *controller) normalize(req domain.DownloadRequest) (domain.DownloadRequest, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, &domain.ValidationError{Field: "url", Reason: "is required"}
	}
	if req.Site == "" {
		req.Site = domain.SiteAuto
	}
	if !domain.KnownSite(req.Site) {
		return req, &domain.ValidationError{Field: "site", Reason: fmt.Sprintf("unknown site %q", req.Site)}
	}
	if req.DestinationRoot == "" {
		req.DestinationRoot = c.cfg.DestinationRoot
	}
	if req.DestinationRoot == "" {
		return req, &domain.ValidationError{Field: "destination", Reason: "is required"}
	}
	if err := os.MkdirAll(req.DestinationRoot, 0o755); err != nil {
		return req, &domain.ValidationError{Field: "destination", Reason: fmt.Sprintf("not writable: %v", err)}
	}
	if req.CookieFile != "" {
		if _, err := os.Stat(req.CookieFile); err != nil {
			return req, &domain.ValidationError{Field: "cookie_file", Reason: "not readable"}
		}
	}
	if req.Mode == "" {
		req.Mode = c.cfg.DefaultMode
	}
	if req.Mode != domain.RunModePerItem && req.Mode != domain.RunModePlaylist {
		return req, &domain.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.CookieFile == "" && (req.Site == domain.SiteLinkedInLearning || req.Site == domain.SiteUdemy) {
		c.log.Warnf("site %s usually requires a cookie file for authentication", req.Site)
	}
	return req, nil
}

func (c *controller) run(ctx context.Context, h *sessionHandle, req domain.DownloadRequest) {
	defer c.wg.Done()
	defer close(h.done)

	log := c.log.WithField("session", h.session.ID)
	log.WithFields(logrus.Fields{"url": req.URL, "mode": req.Mode}).Info("session started")

	c.recordStarted(h)
	c.publishNotice(h, "Analyzing URL...")

	led, err := ledger.Open(pathplan.ArchivePath(req.DestinationRoot, c.cfg.ArchiveFileName))
	if err != nil {
		c.finishFailed(h, fmt.Errorf("open download archive: %w", err))
		return
	}
	defer led.Close()

	title, items, err := c.planQueue(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.finishCancelled(h)
			return
		}
		c.finishFailed(h, err)
		return
	}

	c.mu.Lock()
	h.session.CourseTitle = title
	h.session.TotalItems = len(items)
	for i := range items {
		items[i].SessionID = h.session.ID
	}
	h.items = items
	c.mu.Unlock()

	c.recordUpdated(h)
	c.recordItems(h)
	c.publishNotice(h, fmt.Sprintf("Found %d item(s). Downloading...", len(items)))

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		c.beginItem(h, i)

		if id := h.items[i].ArchiveID; id != "" && led.Contains(id) {
			c.skipItem(h, i, "already recorded in the archive")
			continue
		}

		c.markItem(h, i, domain.ItemStatusDownloading, "")
		job := runner.Job{
			Request:     req,
			Item:        h.items[i],
			Mode:        req.Mode,
			CourseTitle: title,
			TotalItems:  len(items),
			ArchivePath: led.Path(),
		}
		err := c.runner.Run(ctx, job, func(ev domain.ProgressEvent) {
			c.onItemEvent(h, i, ev, led)
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.failItem(h, i, err.Error())
			c.finishFailed(h, fmt.Errorf("launch download tool: %w", err))
			return
		}
		c.recordItem(h, i)

		switch c.itemStatus(h, i) {
		case domain.ItemStatusDownloading:
			// Clean exit without a terminal line; the playlist-mode run
			// covering the whole queue lands here.
			c.markItem(h, i, domain.ItemStatusCompleted, "")
			c.recordItem(h, i)
		case domain.ItemStatusFailed:
			if c.cfg.OnItemFailure == FailAbort {
				c.finishFailed(h, fmt.Errorf("item %d failed: %s", h.items[i].Ordinal, h.items[i].Error))
				return
			}
		}
	}

	if ctx.Err() != nil {
		c.finishCancelled(h)
		return
	}
	c.mirror(ctx, h, req, title)
	c.finishCompleted(h)
}

// planQueue expands the request into ordered work. Playlist mode defers
// enumeration to the external tool and runs the whole URL as one item.
func (c *controller) planQueue(ctx context.Context, req domain.DownloadRequest) (string, []domain.QueueItem, error) {
	if req.Mode == domain.RunModePlaylist {
		return "", []domain.QueueItem{{Ordinal: 1, TargetURL: req.URL, Status: domain.ItemStatusPending}}, nil
	}
	return c.runner.Enumerate(ctx, req)
}

// onItemEvent folds one subprocess event into session state and fans the
// aggregated view out to subscribers. Runs on the session goroutine.
func (c *controller) onItemEvent(h *sessionHandle, idx int, ev domain.ProgressEvent, led *ledger.Ledger) {
	var appendID string
	var record bool

	c.mu.Lock()
	perItem := h.session.Mode == domain.RunModePerItem
	item := &h.items[idx]

	if perItem {
		h.currentIndex = item.Ordinal
		if ev.ItemIndex == 0 {
			ev.ItemIndex = item.Ordinal
			ev.ItemTotal = h.session.TotalItems
		}
	} else {
		// The tool owns enumeration; follow the indexes it reports.
		if ev.ItemTotal > h.session.TotalItems {
			h.session.TotalItems = ev.ItemTotal
		}
		if ev.ItemIndex > 0 && ev.ItemIndex != h.currentIndex {
			h.currentIndex = ev.ItemIndex
			h.itemFraction = 0
		}
		if h.currentIndex == 0 {
			h.currentIndex = 1
		}
		if ev.ItemIndex == 0 {
			ev.ItemIndex = h.currentIndex
			ev.ItemTotal = h.session.TotalItems
		}
	}

	switch ev.Kind {
	case domain.EventDownloading:
		if ev.Percent != nil {
			h.itemFraction = *ev.Percent / 100
		}
	case domain.EventItemComplete:
		if perItem {
			if !item.Status.Terminal() {
				item.Status = domain.ItemStatusCompleted
				h.session.CompletedCount++
				appendID = item.ArchiveID
				record = true
			}
		} else {
			h.session.CompletedCount++
		}
		h.itemFraction = 1
	case domain.EventItemSkipped:
		if perItem {
			if !item.Status.Terminal() {
				item.Status = domain.ItemStatusSkipped
				h.session.SkippedCount++
				record = true
			}
		} else {
			h.session.SkippedCount++
		}
		h.itemFraction = 1
	case domain.EventItemFailed:
		if perItem {
			if !item.Status.Terminal() {
				item.Status = domain.ItemStatusFailed
				item.Error = ev.Message
				h.session.FailedCount++
				record = true
			}
		} else {
			h.session.FailedCount++
		}
		h.itemFraction = 1
	case domain.EventCancelled:
		if perItem && !item.Status.Terminal() {
			item.Status = domain.ItemStatusCancelled
			record = true
		}
	}

	out := c.overallLocked(h, "", &ev)
	c.mu.Unlock()

	if appendID != "" {
		if err := led.Append(appendID); err != nil {
			c.log.WithError(err).Warn("append download archive")
		}
	}
	if record {
		c.recordItem(h, idx)
	}
	c.publish(out)
}

func (c *controller) beginItem(h *sessionHandle, idx int) {
	c.mu.Lock()
	h.currentIndex = h.items[idx].Ordinal
	h.itemFraction = 0
	c.mu.Unlock()
}

// skipItem resolves an item from the ledger without spawning a subprocess.
func (c *controller) skipItem(h *sessionHandle, idx int, reason string) {
	c.mu.Lock()
	item := &h.items[idx]
	item.Status = domain.ItemStatusSkipped
	h.session.SkippedCount++
	h.itemFraction = 1
	ev := domain.ProgressEvent{
		Kind:      domain.EventItemSkipped,
		ItemIndex: item.Ordinal,
		ItemTotal: h.session.TotalItems,
		Title:     item.Title,
		Message:   reason,
	}
	out := c.overallLocked(h, "", &ev)
	c.mu.Unlock()

	c.recordItem(h, idx)
	c.publish(out)
}

func (c *controller) failItem(h *sessionHandle, idx int, msg string) {
	c.mu.Lock()
	item := &h.items[idx]
	if !item.Status.Terminal() {
		item.Status = domain.ItemStatusFailed
		item.Error = msg
		h.session.FailedCount++
	}
	h.itemFraction = 1
	ev := domain.ProgressEvent{
		Kind:      domain.EventItemFailed,
		ItemIndex: item.Ordinal,
		ItemTotal: h.session.TotalItems,
		Title:     item.Title,
		Message:   msg,
	}
	out := c.overallLocked(h, "", &ev)
	c.mu.Unlock()

	c.recordItem(h, idx)
	c.publish(out)
}

func (c *controller) markItem(h *sessionHandle, idx int, status domain.ItemStatus, errMsg string) {
	c.mu.Lock()
	h.items[idx].Status = status
	if errMsg != "" {
		h.items[idx].Error = errMsg
	}
	c.mu.Unlock()
}

func (c *controller) itemStatus(h *sessionHandle, idx int) domain.ItemStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return h.items[idx].Status
}

func (c *controller) finishCompleted(h *sessionHandle) {
	c.mu.Lock()
	if h.session.Mode == domain.RunModePlaylist {
		// Per-item counts come from the tool's own stream; derive the
		// completed total once the run is over.
		if h.session.TotalItems == 0 {
			h.session.TotalItems = 1
		}
		done := h.session.TotalItems - h.session.SkippedCount - h.session.FailedCount
		if done < 0 {
			done = 0
		}
		h.session.CompletedCount = done
	}
	now := time.Now().UTC()
	h.session.Status = domain.SessionCompleted
	h.session.FinishedAt = &now
	h.currentIndex = h.session.TotalItems
	h.itemFraction = 1
	msg := fmt.Sprintf("Done. %d/%d completed.", h.session.CompletedCount, h.session.TotalItems)
	out := c.overallLocked(h, msg, &domain.ProgressEvent{Kind: domain.EventSessionComplete, Message: msg})
	c.mu.Unlock()

	c.recordUpdated(h)
	c.publish(out)
	c.log.WithField("session", h.session.ID).Info(msg)
}

func (c *controller) finishCancelled(h *sessionHandle) {
	c.mu.Lock()
	now := time.Now().UTC()
	h.session.Status = domain.SessionCancelled
	h.session.FinishedAt = &now
	msg := fmt.Sprintf("Cancelled. %d/%d done.", h.session.CompletedCount, h.session.TotalItems)
	out := c.overallLocked(h, msg, &domain.ProgressEvent{Kind: domain.EventCancelled, Message: msg})
	c.mu.Unlock()

	c.recordUpdated(h)
	c.publish(out)
	c.log.WithField("session", h.session.ID).Info(msg)
}

func (c *controller) finishFailed(h *sessionHandle, err error) {
	c.mu.Lock()
	now := time.Now().UTC()
	h.session.Status = domain.SessionFailed
	h.session.FinishedAt = &now
	h.session.ErrorMessage = err.Error()
	out := c.overallLocked(h, fmt.Sprintf("Failed: %v", err), nil)
	c.mu.Unlock()

	c.recordUpdated(h)
	c.publish(out)
	c.log.WithField("session", h.session.ID).WithError(err).Error("session failed")
}

// mirror uploads the finished course directory to object storage. Skipped
// in playlist mode where the output directory is not known up front.
func (c *controller) mirror(ctx context.Context, h *sessionHandle, req domain.DownloadRequest, title string) {
	if c.storage == nil || c.cfg.UploadOptions.Bucket == "" || title == "" {
		return
	}
	course := pathplan.Sanitize(title)
	dir := filepath.Join(req.DestinationRoot, course)
	if _, err := os.Stat(dir); err != nil {
		return
	}

	opts := c.cfg.UploadOptions
	opts.KeyPrefix = path.Join(opts.KeyPrefix, course)
	opts.ProgressCallback = func(done, total int64) {
		if total <= 0 {
			return
		}
		c.publishNotice(h, fmt.Sprintf("Mirroring to object storage... %d%%", done*100/total))
	}

	c.publishNotice(h, "Mirroring to object storage...")
	location, err := c.storage.UploadDirectory(ctx, dir, opts)
	if err != nil {
		c.log.WithError(err).Warn("mirror upload failed")
		return
	}

	c.mu.Lock()
	h.session.MirrorLocation = location
	c.mu.Unlock()
	c.publishNotice(h, fmt.Sprintf("Mirrored to %s.", location))
}

func (c *controller) Cancel() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
}

func (c *controller) Subscribe() (<-chan domain.OverallProgressEvent, func()) {
	ch := make(chan domain.OverallProgressEvent, subscriberBuffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	unsubscribe := func() {
		c.subMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (c *controller) Snapshot() domain.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.SessionSnapshot{Session: domain.Session{Status: domain.SessionIdle}}
	}
	h := c.current
	s := h.session
	s.Items = append([]domain.QueueItem(nil), h.items...)
	return domain.SessionSnapshot{
		Session:        s,
		CurrentIndex:   h.currentIndex,
		OverallPercent: overallPercent(h),
	}
}

func (c *controller) Shutdown() {
	c.Cancel()
	c.wg.Wait()
	c.log.Info("session controller stopped")
}

func (c *controller) publishNotice(h *sessionHandle, msg string) {
	c.mu.Lock()
	out := c.overallLocked(h, msg, nil)
	c.mu.Unlock()
	c.publish(out)
}

// overallLocked builds the aggregated event; the controller mutex must be
// held.
func (c *controller) overallLocked(h *sessionHandle, msg string, item *domain.ProgressEvent) domain.OverallProgressEvent {
	return domain.OverallProgressEvent{
		SessionID:      h.session.ID,
		Status:         h.session.Status,
		ItemIndex:      h.currentIndex,
		ItemTotal:      h.session.TotalItems,
		OverallPercent: overallPercent(h),
		CompletedCount: h.session.CompletedCount,
		SkippedCount:   h.session.SkippedCount,
		FailedCount:    h.session.FailedCount,
		Message:        msg,
		Item:           item,
	}
}

// overallPercent weights every queue item equally: finished items count
// whole, the in-flight item counts by its own fraction.
func overallPercent(h *sessionHandle) float64 {
	total := h.session.TotalItems
	if total <= 0 {
		return 0
	}
	idx := h.currentIndex
	if idx < 1 {
		idx = 1
	}
	pct := (float64(idx-1) + h.itemFraction) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// publish fans an event out without ever blocking the session goroutine;
// subscribers that fall behind miss intermediate events.
func (c *controller) publish(ev domain.OverallProgressEvent) {
	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	c.subMu.Unlock()
}

func (c *controller) recordStarted(h *sessionHandle) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := c.sessionCopy(h)
	if err := c.history.SessionStarted(ctx, &s); err != nil {
		c.log.WithError(err).Warn("record session start")
	}
}

func (c *controller) recordUpdated(h *sessionHandle) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := c.sessionCopy(h)
	if err := c.history.SessionUpdated(ctx, &s); err != nil {
		c.log.WithError(err).Warn("record session update")
	}
}

func (c *controller) recordItems(h *sessionHandle) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	items := append([]domain.QueueItem(nil), h.items...)
	id := h.session.ID
	c.mu.Unlock()
	if err := c.history.ReplaceItems(ctx, id, items); err != nil {
		c.log.WithError(err).Warn("record session items")
	}
}

func (c *controller) recordItem(h *sessionHandle, idx int) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	item := h.items[idx]
	id := h.session.ID
	c.mu.Unlock()
	if err := c.history.RecordItem(ctx, id, item); err != nil {
		c.log.WithError(err).Warn("record session item")
	}
}

func (c *controller) sessionCopy(h *sessionHandle) domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := h.session
	s.Items = append([]domain.QueueItem(nil), h.items...)
	return s
}

var _ Controller = (*controller)(nil)
