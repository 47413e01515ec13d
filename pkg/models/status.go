package models

// MediaStatus records how a media result was obtained
type MediaStatus string

const (
	MediaStatusUnset      MediaStatus = ""           // Zero value = unset/unknown
	MediaStatusDownloaded MediaStatus = "downloaded" // Fetched from the network in this run
	MediaStatusUpToDate   MediaStatus = "uptodate"   // Served from the store without fetching
	MediaStatusCached     MediaStatus = "cached"     // Response came from an HTTP cache layer
)

// String implements fmt.Stringer for logging
func (s MediaStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s MediaStatus) IsValid() bool {
	switch s {
	case MediaStatusDownloaded, MediaStatusUpToDate, MediaStatusCached:
		return true
	}
	return false
}
