package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/log"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

const (
	mediaKeyPrefix = "media:"   // Prefix for media URL keys in DB
	mediaDBDir     = "media_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements MediaStore and StoreAdmin using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) Count
}

// NewBadgerStore opens (or creates) the media database under stateDir.
// An empty stateDir opens an in-memory database that is lost on Close.
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger.WithField("component", "media_store")}
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))

	var opts badger.Options
	if stateDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
		store.log.Info("Initializing in-memory media database")
	} else {
		dbPath := filepath.Join(stateDir, mediaDBDir)
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		opts = badger.DefaultOptions(dbPath)
		store.log.Infof("Initializing media database at: %s", dbPath)
	}
	opts = opts.
		WithLogger(badgerLogger). // Use custom logrus adapter
		WithNumVersionsToKeep(1)  // Only keep the latest entry per URL

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}

	count, err := store.countKeys()
	if err != nil {
		store.log.Warnf("Failed to count existing media entries: %v", err)
	} else {
		store.keyCount.Store(int64(count))
		if count > 0 {
			store.log.Infof("Loaded %d existing media entries", count)
		}
	}
	return store, nil
}

// countKeys performs a one-time full key scan (used only during initialization).
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(mediaKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// GetMedia implements MediaStore
func (s *BadgerStore) GetMedia(mediaURL string) (*models.MediaDBEntry, bool, error) {
	var entry *models.MediaDBEntry
	key := []byte(mediaKeyPrefix + mediaURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting media key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.MediaDBEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				s.log.Warnf("Failed to unmarshal MediaDBEntry for key '%s': %v. Treating as not found.", string(key), errJson)
				return nil
			}
			entry = &decoded
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in GetMedia for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return entry, entry != nil, nil
}

// PutMedia implements MediaStore
func (s *BadgerStore) PutMedia(mediaURL string, entry *models.MediaDBEntry) error {
	key := []byte(mediaKeyPrefix + mediaURL)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal MediaDBEntry for key '%s': %w", utils.ErrDatabase, string(key), errJson)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in PutMedia: %v", err)
		return fmt.Errorf("%w: failed storing media entry for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	s.log.Debugf("Stored media entry for '%s' at %s", mediaURL, entry.Path)
	return nil
}

// Count implements StoreAdmin. Returns the cached key count maintained by atomic increments on writes.
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	s.log.Info("Closing media database...")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing media database: %w", utils.ErrDatabase, err)
	}
	return nil
}
