package models

import "time"

// FileInfo describes a media file produced for one request
type FileInfo struct {
	URL      string      `json:"url"`
	Path     string      `json:"path"`     // Relative to the media store dir
	Checksum string      `json:"checksum"` // MD5 hex of the stored content
	Status   MediaStatus `json:"status"`
}

// MediaDBEntry stores a downloaded media file in the database, keyed by URL
type MediaDBEntry struct {
	Path         string    `json:"path"`
	Checksum     string    `json:"checksum"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"` // When the file was written
}

// Item is a scraped record handed to the media pipeline. ImageURLs are
// fetched as-is; HTML, when set, is searched for <img> tags as well.
type Item struct {
	ImageURLs []string
	HTML      string
	BaseURL   string     // Resolves relative img src values
	Images    []FileInfo // Filled by the images pipeline, one entry per successful download
}
