package domain

// SiteType hints which site family a request targets. The external tool
// auto-detects the extractor on its own; the hint drives request validation
// and is recorded with the session for display.
type SiteType string

const (
	SiteAuto             SiteType = "auto"
	SiteLinkedInLearning SiteType = "linkedin-learning"
	SiteUdemy            SiteType = "udemy"
	SiteYouTube          SiteType = "youtube"
	SiteVimeo            SiteType = "vimeo"
	SiteSoundCloud       SiteType = "soundcloud"
	SiteBandcamp         SiteType = "bandcamp"
)

// KnownSite reports whether s names a supported site hint.
func KnownSite(s SiteType) bool {
	switch s {
	case SiteAuto, SiteLinkedInLearning, SiteUdemy, SiteYouTube, SiteVimeo, SiteSoundCloud, SiteBandcamp:
		return true
	}
	return false
}

// RunMode selects how the external tool is invoked for a request.
type RunMode string

const (
	// RunModePerItem enumerates the playlist up front and spawns one
	// subprocess per item.
	RunModePerItem RunMode = "per-item"
	// RunModePlaylist hands the whole playlist URL to a single subprocess
	// and lets the tool enumerate internally.
	RunModePlaylist RunMode = "playlist"
)

// DownloadRequest is the user-supplied intent for one session. Immutable
// once the session starts.
type DownloadRequest struct {
	URL             string
	Site            SiteType
	DestinationRoot string
	CookieFile      string
	// SubtitleLang selects one subtitle language; empty downloads every
	// available language.
	SubtitleLang string
	// Mode overrides the configured default when set.
	Mode RunMode
}
