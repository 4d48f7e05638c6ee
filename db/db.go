// Package db implements the state database: a persisted snapshot of the
// last known in-sync tree for one folder pair, used by the two-way
// direction resolver to distinguish "new on left" from "deleted on right"
// between runs.
package db

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	tfs "github.com/twinsync/twinsync/fs"
)

// FormatVersion is bumped whenever the on-disk entry encoding changes
// incompatibly; Load reports a version mismatch rather than guessing.
const FormatVersion = 1

// CompareVariant mirrors compare.Variant without importing the compare
// package, to keep db free of a dependency cycle; compare.Variant values
// are defined to match these numerically.
type CompareVariant int

const (
	VariantTimeSize CompareVariant = iota
	VariantContent
	VariantSize
)

// FileEntry is a file's last known in-sync state on one side.
type FileEntry struct {
	ModTime     int64
	Size        uint64
	Fingerprint string
}

// SymlinkEntry is a symlink's last known in-sync state on one side.
type SymlinkEntry struct {
	ModTime int64
}

// Entry is one path's recorded in-sync state, mirroring the last-known
// snapshot of both sides at the time the DB was written.
type Entry struct {
	IsFolder       bool
	FolderStatus   tfs.FolderStatus
	IsSymlink      bool
	Left, Right    FileEntry
	LeftLink       SymlinkEntry
	RightLink      SymlinkEntry
	CompareVariant CompareVariant
}

// DB is the full last-known-in-sync snapshot for one folder pair, plus the
// compare variant used to produce it.
type DB struct {
	Version  int
	Variant  CompareVariant
	Entries  map[string]Entry // keyed by relative path
}

func newEmpty(variant CompareVariant) *DB {
	return &DB{Version: FormatVersion, Variant: variant, Entries: map[string]Entry{}}
}

const bucketName = "entries"
const metaBucket = "meta"
const metaKeyVersion = "version"
const metaKeyVariant = "variant"

// Store persists one folder pair's DB to a bbolt file, using
// go.etcd.io/bbolt for on-disk storage.
type Store struct {
	path string
}

// NewStore returns a handle on the bbolt-backed store at path without
// opening it; Load and Save open the file, and Save creates it if absent.
func NewStore(path string) *Store { return &Store{path: path} }

// Load reads the DB from disk. A missing file is not an error (an initial
// run); it returns a fresh empty DB for variant. A corrupt file or
// version mismatch is reported via the returned error but the caller
// still receives a usable empty DB so two-way mode can fall back to
// "prefer newer".
func (s *Store) Load(variant CompareVariant) (*DB, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return newEmpty(variant), nil
	}

	bdb, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return newEmpty(variant), fmt.Errorf("db: open %s: %w", s.path, err)
	}
	defer bdb.Close()

	result := newEmpty(variant)
	err = bdb.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return fmt.Errorf("db: missing meta bucket")
		}
		var version int
		if err := gobDecode(meta.Get([]byte(metaKeyVersion)), &version); err != nil {
			return fmt.Errorf("db: corrupt version: %w", err)
		}
		if version != FormatVersion {
			return fmt.Errorf("db: unsupported version %d", version)
		}
		var v CompareVariant
		_ = gobDecode(meta.Get([]byte(metaKeyVariant)), &v)
		result.Variant = v

		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := gobDecode(v, &e); err != nil {
				return fmt.Errorf("db: corrupt entry %q: %w", k, err)
			}
			result.Entries[string(k)] = e
			return nil
		})
	})
	if err != nil {
		// Corrupt or wrong-version: two-way mode's caller falls back to
		// "prefer newer" using the still-empty result.
		return newEmpty(variant), err
	}
	result.Version = FormatVersion
	return result, nil
}

// Save writes the DB to disk atomically (bbolt's own commit semantics),
// overwriting any previous file. The executor calls Save only after every
// intended operation for the run either succeeded or was ignored by
// policy.
func (s *Store) Save(d *DB) error {
	bdb, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("db: open %s: %w", s.path, err)
	}
	defer bdb.Close()

	return bdb.Update(func(tx *bolt.Tx) error {
		_ = tx.DeleteBucket([]byte(bucketName))
		_ = tx.DeleteBucket([]byte(metaBucket))
		b, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucket([]byte(metaBucket))
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(metaKeyVersion), gobEncode(FormatVersion)); err != nil {
			return err
		}
		if err := meta.Put([]byte(metaKeyVariant), gobEncode(d.Variant)); err != nil {
			return err
		}
		for k, e := range d.Entries {
			if err := b.Put([]byte(k), gobEncode(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

func gobEncode(v any) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(v)
	return buf.Bytes()
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Reserved name for the database file. Nothing in this module refers to
// it: the store path is whatever the caller passes to NewStore, and
// traversal does not skip a file of this name.
const (
	FileName = ".twinsync-db"
)
