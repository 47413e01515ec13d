package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
)

// MediaStore records which media URLs have been stored on disk
type MediaStore interface {
	// GetMedia returns the entry for mediaURL. found is false when the URL was never stored.
	GetMedia(mediaURL string) (entry *models.MediaDBEntry, found bool, err error)

	// PutMedia creates or replaces the entry for mediaURL
	PutMedia(mediaURL string, entry *models.MediaDBEntry) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of stored media entries
	Count() (int, error)

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}
