package domain

import "time"

type EventKind string

const (
	EventStarted         EventKind = "started"
	EventDownloading     EventKind = "downloading"
	EventPostprocessing  EventKind = "postprocessing"
	EventItemComplete    EventKind = "item_complete"
	EventItemSkipped     EventKind = "item_skipped"
	EventItemFailed      EventKind = "item_failed"
	EventSessionComplete EventKind = "session_complete"
	EventCancelled       EventKind = "cancelled"
)

// ProgressEvent is a point-in-time snapshot parsed from one line of
// subprocess output. Percent and ETA are nil when the line carried no
// parseable value for them; Speed and TotalSize keep the tool's own
// formatting. Consumed immediately by the aggregator, never persisted.
type ProgressEvent struct {
	Kind        EventKind
	Percent     *float64
	Speed       string
	ETA         *time.Duration
	TotalSize   string
	ItemIndex   int
	ItemTotal   int
	Title       string
	Destination string
	// Message carries the error text for item_failed events and the skip
	// reason for item_skipped events.
	Message string
}

// OverallProgressEvent aggregates per-item progress into the session-wide
// view. It is the sole event type the presentation layer consumes.
type OverallProgressEvent struct {
	SessionID      string
	Status         SessionStatus
	ItemIndex      int
	ItemTotal      int
	OverallPercent float64
	CompletedCount int
	SkippedCount   int
	FailedCount    int
	// Message is a human status line ("Found 12 item(s). Downloading…").
	Message string
	// Item is the underlying per-item event, nil for session-level notices.
	Item *ProgressEvent
}
