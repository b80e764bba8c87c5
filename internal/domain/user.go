package domain

import "time"

// User represents an account allowed to drive the API. Each account carries
// its own download preferences, applied when a request leaves the matching
// fields blank.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Prefs        DownloadPrefs
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DownloadPrefs are per-account defaults for new download requests.
type DownloadPrefs struct {
	// DefaultDestination is used when a request omits its destination root.
	DefaultDestination string
	// SubtitleLang is the preferred subtitle language code, e.g. "en".
	SubtitleLang string
	// PreferredMode overrides the server-wide run mode when set.
	PreferredMode RunMode
}
