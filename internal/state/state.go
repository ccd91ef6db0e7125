// Package state persists the shared Hue connectivity record in bbolt.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The file holds bridge keys and OAuth refresh tokens.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var connectivityKey = []byte("hue")

func namespaceBucket(namespace string) []byte {
	return []byte("env:" + namespace + ":connectivity")
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Connectivity returns the connectivity store for one environment namespace.
func (s *State) Connectivity(namespace string) *ConnectivityStore {
	return &ConnectivityStore{state: s, bucket: namespaceBucket(namespace)}
}

// ConnectivityStore reads and writes the single connectivity record of a
// namespace. Writes are read-modify-write inside one bbolt transaction.
type ConnectivityStore struct {
	state  *State
	bucket []byte
}

// Get returns the current record, or the zero record when none exists.
func (c *ConnectivityStore) Get(_ context.Context) (models.ConnectivityRecord, error) {
	var rec models.ConnectivityRecord

	err := c.state.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = c.read(tx)
		return err
	})
	if err != nil {
		return models.ConnectivityRecord{}, fmt.Errorf("reading connectivity record: %w", err)
	}

	return rec, nil
}

// Update applies patch to the stored record, stamps UpdatedAt, and returns
// the record as written.
func (c *ConnectivityStore) Update(_ context.Context, patch models.ConnectivityPatch) (models.ConnectivityRecord, error) {
	var rec models.ConnectivityRecord

	err := c.state.db.Update(func(tx *bolt.Tx) error {
		var err error
		if rec, err = c.read(tx); err != nil {
			return err
		}
		patch.Apply(&rec)

		return c.write(tx, &rec)
	})
	if err != nil {
		return models.ConnectivityRecord{}, fmt.Errorf("updating connectivity record: %w", err)
	}

	return rec, nil
}

// ClearRemoteIf nulls the remote token fields and sets the mode to local,
// but only while the stored refresh token still equals refreshToken. It
// reports whether the clear happened and returns the record as it stands
// afterwards.
func (c *ConnectivityStore) ClearRemoteIf(_ context.Context, refreshToken string) (bool, models.ConnectivityRecord, error) {
	var (
		rec     models.ConnectivityRecord
		cleared bool
	)

	err := c.state.db.Update(func(tx *bolt.Tx) error {
		var err error
		if rec, err = c.read(tx); err != nil {
			return err
		}
		if rec.RefreshToken != refreshToken {
			return nil
		}

		remotePatch(models.ModeLocal).Apply(&rec)
		cleared = true

		return c.write(tx, &rec)
	})
	if err != nil {
		return false, models.ConnectivityRecord{}, fmt.Errorf("clearing remote tokens: %w", err)
	}

	return cleared, rec, nil
}

// ClearRemote nulls the remote token fields unconditionally. The mode
// falls back to local when local credentials remain, else disconnected.
func (c *ConnectivityStore) ClearRemote(ctx context.Context) (models.ConnectivityRecord, error) {
	rec, err := c.Get(ctx)
	if err != nil {
		return rec, err
	}

	mode := models.ModeDisconnected
	if rec.HasLocal() {
		mode = models.ModeLocal
	}

	return c.Update(ctx, remotePatch(mode))
}

// ClearLocal nulls the bridge address and client key. The username stays
// while a remote refresh token still needs it.
func (c *ConnectivityStore) ClearLocal(ctx context.Context) (models.ConnectivityRecord, error) {
	rec, err := c.Get(ctx)
	if err != nil {
		return rec, err
	}

	patch := models.ConnectivityPatch{
		BridgeIP:       models.Ptr(""),
		ClientKey:      models.Ptr(""),
		ConnectedAt:    models.Ptr(int64(0)),
		ConnectionMode: models.Ptr(models.ModeDisconnected),
	}
	if rec.HasRemote() {
		patch.ConnectionMode = models.Ptr(models.ModeRemote)
	} else {
		patch.Username = models.Ptr("")
	}

	return c.Update(ctx, patch)
}

func remotePatch(mode models.ConnectionMode) models.ConnectivityPatch {
	return models.ConnectivityPatch{
		RefreshToken:         models.Ptr(""),
		AccessToken:          models.Ptr(""),
		AccessTokenExpiresAt: models.Ptr(int64(0)),
		RemoteConnectedAt:    models.Ptr(int64(0)),
		ConnectionMode:       models.Ptr(mode),
	}
}

// read decodes the stored record. A corrupt record is an error so that no
// write replaces it with a partial one.
func (c *ConnectivityStore) read(tx *bolt.Tx) (models.ConnectivityRecord, error) {
	var rec models.ConnectivityRecord

	b := tx.Bucket(c.bucket)
	if b == nil {
		return rec, nil
	}

	v := b.Get(connectivityKey)
	if v == nil {
		return rec, nil
	}

	if err := json.Unmarshal(v, &rec); err != nil {
		return models.ConnectivityRecord{}, fmt.Errorf("decoding connectivity record: %w", err)
	}

	return rec, nil
}

func (c *ConnectivityStore) write(tx *bolt.Tx, rec *models.ConnectivityRecord) error {
	b, err := tx.CreateBucketIfNotExists(c.bucket)
	if err != nil {
		return err
	}

	rec.UpdatedAt = c.state.now().UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put(connectivityKey, data)
}
