// Package runner launches and supervises external download tool
// subprocesses: one invocation per queue item, or one for a whole playlist.
// Output is streamed line by line through the progress parser and forwarded
// in emission order; cancellation signals the tool's whole process group,
// gracefully first, escalating to a forced kill after a bounded grace
// period.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"coursegrab/internal/domain"
	"coursegrab/internal/pathplan"
	"coursegrab/internal/progress"
)

// EmitFunc receives every parsed event immediately, in subprocess emission
// order. Implementations must not block.
type EmitFunc func(domain.ProgressEvent)

// Runner drives the external download tool.
type Runner interface {
	// Enumerate expands a request into its queue items using the tool's
	// flat playlist dump, returning the course/playlist title.
	Enumerate(ctx context.Context, req domain.DownloadRequest) (string, []domain.QueueItem, error)
	// Run executes exactly one invocation to completion, cancellation, or
	// failure. Item-level failures surface as events and a nil error; a
	// non-nil error means the invocation could not run (launch failure) or
	// was cancelled.
	Run(ctx context.Context, job Job, emit EmitFunc) error
}

// Job describes one invocation of the external tool.
type Job struct {
	Request     domain.DownloadRequest
	Item        domain.QueueItem
	Mode        domain.RunMode
	CourseTitle string
	TotalItems  int
	// ArchivePath is handed to the tool for native dedup, backing up the
	// controller's own ledger fast path.
	ArchivePath string
}

type Config struct {
	ToolPath            string
	CancelGrace         time.Duration
	Retries             int
	ConcurrentFragments int
	UserAgent           string
	SubtitleFormat      string
	Logger              *logrus.Logger
}

type execRunner struct {
	cfg Config
	log *logrus.Entry
}

func New(cfg Config) Runner {
	if cfg.ToolPath == "" {
		cfg.ToolPath = "yt-dlp"
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 100
	}
	if cfg.ConcurrentFragments <= 0 {
		cfg.ConcurrentFragments = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0"
	}
	if cfg.SubtitleFormat == "" {
		cfg.SubtitleFormat = "srt/best"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &execRunner{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "runner"),
	}
}

func (r *execRunner) Run(ctx context.Context, job Job, emit EmitFunc) error {
	logger := r.log.WithFields(logrus.Fields{
		"item": job.Item.Ordinal,
		"url":  job.Item.TargetURL,
	})

	if ctx.Err() != nil {
		emit(r.stamped(job, domain.ProgressEvent{Kind: domain.EventCancelled}))
		return ctx.Err()
	}

	args := r.buildArgs(job)
	cmd := exec.Command(r.cfg.ToolPath, args...)
	// The tool runs in its own process group so termination reaches the
	// helpers it spawns (fragment mergers, subtitle converters) and not just
	// the tool itself. WaitDelay stops Wait blocking on the shared output
	// pipe if a stray descendant escapes the group kill and keeps it open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.cfg.CancelGrace

	// stdout and stderr share one pipe so event order follows emission
	// order across both streams.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	logger.Debugf("spawning %s with %d args", r.cfg.ToolPath, len(args))
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("launch %s: %w", r.cfg.ToolPath, err)
	}

	procExited := make(chan struct{})
	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(procExited)
		pw.Close()
		waitCh <- err
	}()

	// Terminate gracefully on cancellation; escalate after the grace period.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-procExited:
			return
		case <-ctx.Done():
		}
		if err := signalGroup(cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return
		}
		select {
		case <-procExited:
		case <-time.After(r.cfg.CancelGrace):
			logger.Warnf("tool ignored terminate for %s, killing process group", r.cfg.CancelGrace)
			_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		}
	}()

	var (
		sawSkipped bool
		sawFailed  bool
		failMsg    string
	)

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := progress.Parse(scanner.Text())
		if ev == nil {
			continue
		}
		switch ev.Kind {
		case domain.EventItemSkipped:
			sawSkipped = true
		case domain.EventItemFailed:
			sawFailed = true
			failMsg = ev.Message
		}
		emit(r.stamped(job, *ev))
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Warn("stopped parsing tool output")
	}
	// Keep draining after the scanner stops (oversized line, read error) so
	// the tool never wedges writing into a pipe nobody reads.
	_, _ = io.Copy(io.Discard, pr)

	waitErr := <-waitCh
	<-watcherDone
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The tool exited cleanly but something it spawned held the output
		// pipe past the grace period.
		logger.Warn("abandoned output pipe left open by a tool descendant")
		waitErr = nil
	}

	if ctx.Err() != nil {
		logger.Info("download cancelled")
		emit(r.stamped(job, domain.ProgressEvent{Kind: domain.EventCancelled}))
		return ctx.Err()
	}

	if waitErr != nil {
		if !sawFailed {
			if failMsg == "" {
				failMsg = fmt.Sprintf("download tool exited abnormally: %v", waitErr)
			}
			emit(r.stamped(job, domain.ProgressEvent{
				Kind:    domain.EventItemFailed,
				Message: failMsg,
			}))
		}
		logger.Warnf("download failed: %v", waitErr)
		return nil
	}

	if job.Mode != domain.RunModePlaylist && !sawSkipped && !sawFailed {
		emit(r.stamped(job, domain.ProgressEvent{
			Kind:  domain.EventItemComplete,
			Title: job.Item.Title,
		}))
	}
	logger.Info("download finished")
	return nil
}

// signalGroup signals the tool's whole process group, falling back to the
// lead process alone when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// stamped fills in the queue position on events the parser could not know
// it from. In playlist mode the tool reports its own item counts.
func (r *execRunner) stamped(job Job, ev domain.ProgressEvent) domain.ProgressEvent {
	if job.Mode != domain.RunModePlaylist {
		ev.ItemIndex = job.Item.Ordinal
		ev.ItemTotal = job.TotalItems
		if ev.Title == "" {
			ev.Title = job.Item.Title
		}
	}
	return ev
}

func (r *execRunner) buildArgs(job Job) []string {
	args := []string{
		"--newlines",
		"--continue",
		"--retries", strconv.Itoa(r.cfg.Retries),
		"--concurrent-fragments", strconv.Itoa(r.cfg.ConcurrentFragments),
		"--user-agent", r.cfg.UserAgent,
		"--write-subs",
		"--sub-format", r.cfg.SubtitleFormat,
	}

	if lang := job.Request.SubtitleLang; lang != "" {
		args = append(args, "--sub-langs", lang)
	} else {
		args = append(args, "--sub-langs", "all")
	}
	if job.ArchivePath != "" {
		args = append(args, "--download-archive", job.ArchivePath)
	}
	if job.Request.CookieFile != "" {
		args = append(args, "--cookies", job.Request.CookieFile)
	}

	if job.Mode == domain.RunModePlaylist {
		args = append(args,
			"--ignore-errors",
			"--yes-playlist",
			"--output", pathplan.OutputTemplate(job.Request.DestinationRoot),
		)
	} else {
		args = append(args,
			"--no-playlist",
			"--output", r.perItemOutput(job),
		)
	}

	return append(args, job.Item.TargetURL)
}

// perItemOutput names the item from enumeration metadata; when the title is
// still unknown the tool fills its own title placeholder.
func (r *execRunner) perItemOutput(job Job) string {
	req := job.Request
	if job.Item.Title == "" {
		return pathplan.PlanTemplate(req.DestinationRoot, job.CourseTitle, job.Item.Ordinal)
	}
	p := pathplan.Plan(req.DestinationRoot, job.CourseTitle, job.Item.Ordinal, job.Item.Title, req.SubtitleLang)
	return p.Video
}

var _ Runner = (*execRunner)(nil)
