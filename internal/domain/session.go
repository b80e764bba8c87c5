package domain

import "time"

type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return true
	}
	return false
}

// Session is one orchestration run tracked by the system.
type Session struct {
	ID             string
	URL            string
	Site           SiteType
	Destination    string
	Mode           RunMode
	Status         SessionStatus
	CourseTitle    string
	TotalItems     int
	CompletedCount int
	SkippedCount   int
	FailedCount    int
	ErrorMessage   string
	MirrorLocation string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
	Items          []QueueItem
}

// SessionSnapshot is a copy of the live session state handed to callers;
// mutating it never affects the running session.
type SessionSnapshot struct {
	Session        Session
	CurrentIndex   int
	OverallPercent float64
}
