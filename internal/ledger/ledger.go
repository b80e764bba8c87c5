// Package ledger persists the set of already-downloaded item identifiers so
// finished items are never fetched twice across sessions.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ledger owns the archive file for the duration of a session: one
// identifier per line, append-only while running, every append flushed to
// disk before returning. The same file is handed to the external tool as
// its native archive, so both dedup layers share one source of truth.
type Ledger struct {
	mu   sync.Mutex
	path string
	file *os.File
	ids  map[string]struct{}
}

// Open loads the ledger at path, creating parent directories and the file
// as needed. A missing file yields an empty ledger, not an error.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	ids := make(map[string]struct{})
	lines, err := Read(path)
	if err != nil {
		return nil, err
	}
	for _, id := range lines {
		ids[id] = struct{}{}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	return &Ledger{path: path, file: f, ids: ids}, nil
}

// Read returns the identifiers recorded at path in file order, without
// taking ownership of the file. Blank lines, #-comments and duplicate
// entries (the external tool may append its own) are dropped.
func Read(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	return ids, nil
}

// Clear truncates the ledger file at path, forcing every item to be
// redownloaded next session. A missing file is a no-op.
func Clear(path string) error {
	err := os.Truncate(path, 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear ledger file: %w", err)
	}
	return nil
}

// Contains reports whether id was already recorded.
func (l *Ledger) Contains(id string) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

// Append records id and flushes it to disk before returning, so a mid-run
// crash loses at most the in-flight item. Appending a known id is a no-op.
func (l *Ledger) Append(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return nil
	}
	if _, err := fmt.Fprintln(l.file, id); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("flush ledger file: %w", err)
	}
	l.ids[id] = struct{}{}
	return nil
}

// Len returns the number of recorded identifiers.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Path returns the on-disk location, as handed to the external tool.
func (l *Ledger) Path() string { return l.path }

// Close releases the file handle. Safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
