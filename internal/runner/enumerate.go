package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"coursegrab/internal/domain"
)

// playlistDoc is the shape of the tool's single-JSON dump: a playlist with
// flat entries, or a lone media object when the URL is not a playlist.
type playlistDoc struct {
	Type       string           `json:"_type"`
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Extractor  string           `json:"extractor_key"`
	WebpageURL string           `json:"webpage_url"`
	Entries    []*playlistEntry `json:"entries"`
}

type playlistEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	WebpageURL string `json:"webpage_url"`
	IEKey      string `json:"ie_key"`
}

func (r *execRunner) Enumerate(ctx context.Context, req domain.DownloadRequest) (string, []domain.QueueItem, error) {
	args := []string{
		"--dump-single-json",
		"--flat-playlist",
		"--no-warnings",
		"--user-agent", r.cfg.UserAgent,
	}
	if req.CookieFile != "" {
		args = append(args, "--cookies", req.CookieFile)
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, r.cfg.ToolPath, args...)
	// Same process-group handling as Run: a cancelled enumeration must not
	// leave tool helpers behind holding the output pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = r.cfg.CancelGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.WithField("url", req.URL).Info("enumerating request")
	if err := cmd.Run(); err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return "", nil, fmt.Errorf("enumerate %s: %w (%s)", req.URL, err, msg)
		}
		return "", nil, fmt.Errorf("enumerate %s: %w", req.URL, err)
	}

	var doc playlistDoc
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return "", nil, fmt.Errorf("decode enumeration output: %w", err)
	}

	if len(doc.Entries) == 0 {
		target := doc.WebpageURL
		if target == "" {
			target = req.URL
		}
		item := domain.QueueItem{
			Ordinal:   1,
			TargetURL: target,
			ArchiveID: archiveID(doc.Extractor, doc.ID, target),
			Title:     doc.Title,
			Status:    domain.ItemStatusPending,
		}
		return doc.Title, []domain.QueueItem{item}, nil
	}

	items := make([]domain.QueueItem, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		if entry == nil {
			// The tool reports unavailable entries as nulls.
			continue
		}
		target := entry.URL
		if target == "" {
			target = entry.WebpageURL
		}
		if target == "" && entry.ID == "" {
			continue
		}
		items = append(items, domain.QueueItem{
			Ordinal:   len(items) + 1,
			TargetURL: target,
			ArchiveID: archiveID(entry.IEKey, entry.ID, target),
			Title:     entry.Title,
			Status:    domain.ItemStatusPending,
		})
	}
	if len(items) == 0 {
		return doc.Title, nil, fmt.Errorf("enumerate %s: playlist has no downloadable entries", req.URL)
	}
	return doc.Title, items, nil
}

// archiveID builds the identifier recorded in the dedup ledger, matching
// the external tool's native "<extractor> <id>" archive line so both dedup
// layers agree. Falls back to the target URL when no id is known.
func archiveID(extractor, id, fallbackURL string) string {
	if id != "" {
		if extractor == "" {
			extractor = "generic"
		}
		return strings.ToLower(extractor) + " " + id
	}
	return strings.TrimSpace(fallbackURL)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
