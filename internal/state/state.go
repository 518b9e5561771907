package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/paper-sync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.paper-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	historyBucket  = []byte("sync_history")
	credentialsKey = []byte("device_credentials")
	deviceAddrKey  = []byte("device_addr")
)

// State wraps a bbolt database for all persistent application state:
// the cached device credential and the sync history.
type State struct {
	db    *bolt.DB
	limit int
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. historyLimit caps the number of sync runs retained.
func LoadAt(path string, historyLimit int) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(historyBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	if historyLimit < 1 {
		historyLimit = 1
	}

	return &State{db: db, limit: historyLimit}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceCredentials returns the cached device address and session
// credential, or empty strings.
func (s *State) DeviceCredentials() (addr, credentials string) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		addr = string(b.Get(deviceAddrKey))
		credentials = string(b.Get(credentialsKey))

		return nil
	})

	return addr, credentials
}

// SetDeviceCredentials caches the credential that last connected
// successfully to the device at addr.
func (s *State) SetDeviceCredentials(addr, credentials string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(deviceAddrKey, []byte(addr)); err != nil {
			return err
		}

		return b.Put(credentialsKey, []byte(credentials))
	})
}

// RecordSyncRun stores a completed sync and trims the history to the
// configured limit. An empty ID is filled with a time-ordered UUID, so
// key order in the bucket is chronological.
func (s *State) RecordSyncRun(run models.SyncRun) (models.SyncRun, error) {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return run, fmt.Errorf("generating run id: %w", err)
		}

		run.ID = id.String()
	}

	data, err := json.Marshal(run)
	if err != nil {
		return run, fmt.Errorf("marshalling sync run: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		if err := b.Put([]byte(run.ID), data); err != nil {
			return err
		}

		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		if len(keys) <= s.limit {
			return nil
		}

		stale := keys[:len(keys)-s.limit]

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return run, fmt.Errorf("recording sync run: %w", err)
	}

	return run, nil
}

// SyncRuns returns up to limit sync runs, newest first. A limit of zero
// or less returns all retained runs.
func (s *State) SyncRuns(limit int) ([]models.SyncRun, error) {
	runs := []models.SyncRun{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}

			var run models.SyncRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decoding sync run %s: %w", k, err)
			}

			runs = append(runs, run)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}
