// Package state is the transactional local store. It persists nodes, their
// secondary indexes, cloud nodes, the per-pipeline operation queues, known
// users and pull cursors in a single bbolt database. Read transactions run
// concurrently against a snapshot; write transactions are serialized.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	sep = "\x00"
)

var (
	appBucket        = []byte("app")
	tokenKey         = []byte("token")
	nodesBucket      = []byte("nodes")
	cloudIDIndex     = []byte("idx_cloudid")
	pathIndex        = []byte("idx_path")
	pathReverseIndex = []byte("idx_path_rev")
	childrenIndex    = []byte("idx_children")
	trunkIndex       = []byte("idx_trunk")
	cloudNodesBucket = []byte("cloudnodes")
	cloudNodeIndex   = []byte("idx_cloudnode_key")
	usersBucket      = []byte("users")
	cursorsBucket    = []byte("cursors")
	pipelinesBucket  = []byte("pipelines")
)

// present is the value of set-style index entries.
var present = []byte{1}

var rootBuckets = [][]byte{
	appBucket, nodesBucket, cloudIDIndex, pathIndex, pathReverseIndex,
	childrenIndex, trunkIndex, cloudNodesBucket, cloudNodeIndex,
	usersBucket, cursorsBucket, pipelinesBucket,
}

func compositeKey(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func opsBucket(userID, treeID string) []byte {
	return []byte("ops:" + userID + ":" + treeID)
}

// Store wraps a bbolt database for all persistent sync state.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at path, creating it and its buckets if
// they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range rootBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns ~/.zdc-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".zdc-sync", "state.db"), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Update runs fn in a read-write transaction. If fn returns an error
// nothing is committed.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Token returns the cached proxy bearer token, or empty string.
func (s *Store) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the proxy bearer token.
func (s *Store) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// Tx is a typed view over a bbolt transaction. Methods that write fail
// inside a read-only transaction.
type Tx struct {
	tx *bolt.Tx
}

// Writable reports whether the transaction may write.
func (t *Tx) Writable() bool { return t.tx.Writable() }

func (t *Tx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// User returns a known user record, or nil if not found.
func (t *Tx) User(id string) (*User, error) {
	u := &User{}

	ok, err := getJSON(t.bucket(usersBucket), []byte(id), u)
	if err != nil || !ok {
		return nil, err
	}

	return u, nil
}

// PutUser stores a user record.
func (t *Tx) PutUser(u *User) error {
	return putJSON(t.bucket(usersBucket), []byte(u.ID), u)
}

// Users returns every known user.
func (t *Tx) Users() ([]*User, error) {
	var out []*User

	err := t.bucket(usersBucket).ForEach(func(_, v []byte) error {
		u := &User{}
		if err := json.Unmarshal(v, u); err != nil {
			return err
		}

		out = append(out, u)

		return nil
	})

	return out, err
}

// PullCursor returns the pull cursor of a pipeline, zero if never pulled.
func (t *Tx) PullCursor(userID, treeID string) (PullCursor, error) {
	var c PullCursor
	_, err := getJSON(t.bucket(cursorsBucket), compositeKey(userID, treeID), &c)

	return c, err
}

// SetPullCursor stores the pull cursor of a pipeline.
func (t *Tx) SetPullCursor(userID, treeID string, c PullCursor) error {
	return putJSON(t.bucket(cursorsBucket), compositeKey(userID, treeID), c)
}

// Pipeline identifies one operation queue.
type Pipeline struct {
	UserID string
	TreeID string
}

// Pipelines lists every queue that has ever held an operation.
func (t *Tx) Pipelines() ([]Pipeline, error) {
	var out []Pipeline

	err := t.bucket(pipelinesBucket).ForEach(func(k, _ []byte) error {
		user, tree, ok := strings.Cut(string(k), sep)
		if ok {
			out = append(out, Pipeline{UserID: user, TreeID: tree})
		}

		return nil
	})

	return out, err
}
