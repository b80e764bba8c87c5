// Package progress turns the external download tool's textual output into
// structured events. The tool's output format is a versioned external
// contract, not a stable one: unrecognized lines map to nil, and numeric
// fields that fail to parse degrade to nil fields rather than failed events.
package progress

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"coursegrab/internal/domain"
)

var (
	percentRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	sizeRe       = regexp.MustCompile(`\bof\s+~?\s*(\S+)`)
	speedRe      = regexp.MustCompile(`\bat\s+(\S+)`)
	etaRe        = regexp.MustCompile(`\bETA\s+(\S+)`)
	itemCountRe  = regexp.MustCompile(`^\[download\] Downloading (?:item|video) (\d+) of (\d+)`)
	destRe       = regexp.MustCompile(`^\[download\] Destination: (.+)$`)
	downloadedRe = regexp.MustCompile(`^\[download\] (.+?) has already been downloaded`)
	archivedRe   = regexp.MustCompile(`^(?:\[download\] )?(.+?): has already been recorded in the archive`)

	// Postprocessor stage tags emitted between download completion and the
	// final file landing on disk.
	postprocessRe = regexp.MustCompile(`^\[(Merger|ExtractAudio|VideoConvertor|VideoRemuxer|EmbedSubtitle|EmbedThumbnail|Metadata|FixupM3u8|FixupM4a|FixupStretched|FixupTimestamp|MoveFiles|SplitChapters|ModifyChapters|ThumbnailsConvertor|SubtitlesConvertor)\]\s*(.*)`)
)

// Parse converts one line of subprocess output into an event, or nil when
// the line is not recognized. It never returns an error and never panics;
// forward compatibility with unknown output beats completeness here.
func Parse(line string) *domain.ProgressEvent {
	line = strings.TrimSpace(strings.TrimRight(line, "\r"))
	if line == "" {
		return nil
	}

	if m := itemCountRe.FindStringSubmatch(line); m != nil {
		idx, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return &domain.ProgressEvent{
			Kind:      domain.EventDownloading,
			ItemIndex: idx,
			ItemTotal: total,
		}
	}

	if m := destRe.FindStringSubmatch(line); m != nil {
		return &domain.ProgressEvent{
			Kind:        domain.EventStarted,
			Destination: strings.TrimSpace(m[1]),
		}
	}

	if m := downloadedRe.FindStringSubmatch(line); m != nil {
		return &domain.ProgressEvent{
			Kind:        domain.EventItemSkipped,
			Destination: strings.TrimSpace(m[1]),
			Message:     "already downloaded",
		}
	}

	if m := archivedRe.FindStringSubmatch(line); m != nil {
		return &domain.ProgressEvent{
			Kind:    domain.EventItemSkipped,
			Title:   strings.TrimSpace(m[1]),
			Message: "already in archive",
		}
	}

	if msg, ok := strings.CutPrefix(line, "ERROR:"); ok {
		return &domain.ProgressEvent{
			Kind:    domain.EventItemFailed,
			Message: strings.TrimSpace(msg),
		}
	}

	if m := postprocessRe.FindStringSubmatch(line); m != nil {
		return &domain.ProgressEvent{
			Kind:    domain.EventPostprocessing,
			Message: strings.TrimSpace(m[2]),
		}
	}

	if strings.HasPrefix(line, "[download]") && strings.Contains(line, "%") {
		ev := &domain.ProgressEvent{Kind: domain.EventDownloading}
		if m := percentRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 100 {
				ev.Percent = &v
			}
		}
		if m := sizeRe.FindStringSubmatch(line); m != nil && m[1] != "Unknown" {
			ev.TotalSize = m[1]
		}
		if m := speedRe.FindStringSubmatch(line); m != nil && m[1] != "Unknown" {
			ev.Speed = m[1]
		}
		if m := etaRe.FindStringSubmatch(line); m != nil {
			ev.ETA = parseClock(m[1])
		}
		return ev
	}

	return nil
}

// parseClock parses the tool's MM:SS / HH:MM:SS remaining-time notation.
// Anything else (including "Unknown") yields nil.
func parseClock(s string) *time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil
		}
		total = total*60 + n
	}
	d := time.Duration(total) * time.Second
	return &d
}
