// Package pathplan derives the on-disk layout for downloaded media: a
// course folder, zero-padded item stems that list in play order under
// default sort, and subtitle paths mirroring the video stem.
package pathplan

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Paths is the planned layout for one item. Video keeps the external
// tool's %(ext)s placeholder so the tool picks the container extension.
type Paths struct {
	Dir      string
	Video    string
	Subtitle string
}

var (
	reservedRe   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Sanitize strips filesystem-reserved characters from a single path
// component. Deterministic and idempotent: sanitizing already-sanitized
// input is a no-op.
func Sanitize(name string) string {
	s := reservedRe.ReplaceAllString(name, "_")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ". ")
	if s == "" {
		return "untitled"
	}
	return s
}

// Plan lays out item number index of a course beneath destRoot. The
// subtitle extension carries the requested language code, or plain .srt
// when every available language was requested.
func Plan(destRoot, courseTitle string, index int, itemTitle, subtitleLang string) Paths {
	dir := filepath.Join(destRoot, Sanitize(courseTitle))
	stem := fmt.Sprintf("%03d - %s", index, Sanitize(itemTitle))

	subExt := ".srt"
	if lang := strings.TrimSpace(subtitleLang); lang != "" {
		subExt = "." + lang + ".srt"
	}

	return Paths{
		Dir:      dir,
		Video:    filepath.Join(dir, stem+".%(ext)s"),
		Subtitle: filepath.Join(dir, stem+subExt),
	}
}

// PlanTemplate is Plan for items whose title is still unknown: the stem
// keeps the external tool's title placeholder so the tool names the file
// once it has extracted metadata.
func PlanTemplate(destRoot, courseTitle string, index int) string {
	dir := filepath.Join(destRoot, Sanitize(courseTitle))
	return filepath.Join(dir, fmt.Sprintf("%03d - %%(title)s.%%(ext)s", index))
}

// OutputTemplate returns the single-invocation output template rooted at
// destRoot. The external tool expands the placeholders itself, including
// the chapter segment when the site reports chapters.
func OutputTemplate(destRoot string) string {
	return filepath.Join(destRoot,
		"%(playlist_title)s",
		"%(chapter_number)s - %(chapter)s",
		"%(playlist_index)s - %(title)s.%(ext)s",
	)
}

// ArchivePath places the dedup ledger file inside the destination root,
// next to the media it guards.
func ArchivePath(destRoot, fileName string) string {
	return filepath.Join(destRoot, fileName)
}
