package domain

type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusDownloading ItemStatus = "downloading"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusSkipped     ItemStatus = "skipped"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusCancelled   ItemStatus = "cancelled"
)

// Terminal reports whether the status is an end state. The first terminal
// status an item reaches wins; later signals never overwrite it.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusSkipped, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// QueueItem is one schedulable unit of work within a session: a single
// video or track, or the whole playlist URL when the external tool handles
// enumeration internally. Never mutated after reaching a terminal status.
type QueueItem struct {
	ID        int64
	SessionID string
	// Ordinal is the 1-based position within the request.
	Ordinal   int
	TargetURL string
	// ArchiveID is the stable dedup identifier, usually the external
	// tool's native "<extractor> <id>" form. Empty when enumeration could
	// not determine one.
	ArchiveID string
	// Title may be unknown until the subprocess reports it.
	Title  string
	Status ItemStatus
	Error  string
}
