// Package tempbuffer implements the parallel file buffer for external
// viewers: when a non-local source item needs a real local path (e.g. to
// hand to an external diff/view tool), this package stages a local copy
// once per distinct version and reuses it on repeat requests.
package tempbuffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
)

// Key identifies one cached staged copy. Two requests for what is
// logically "the same version" of an item collide on purpose so the
// buffer never stages duplicate copies; anything that could make two
// reads of the same path differ is folded into the key: mtime, size,
// fingerprint, followed_symlink, and the initiating path phrase.
type Key struct {
	ModTime         int64
	Size            uint64
	Fingerprint     string
	FollowedSymlink bool
	InitPathPhrase  string // the display path at the time buffering began
}

// Buffer owns one per-run local staging directory.
type Buffer struct {
	dir string

	mu      sync.Mutex
	entries map[Key]string // Key -> local path already staged
}

// New creates a fresh per-run staging directory named twinsync-XXXXXXXX
// under base (os.TempDir() if base is empty).
func New(base string) (*Buffer, error) {
	if base == "" {
		base = os.TempDir()
	}
	name := "twinsync-" + shortID()
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tempbuffer: create %s: %w", dir, err)
	}
	return &Buffer{dir: dir, entries: map[Key]string{}}, nil
}

func shortID() string {
	id := uuid.New().String()
	return id[:8]
}

// Stage returns a local filesystem path holding srcRel's content as read
// from backend, copying it in on the first request for key and reusing
// the staged copy on every subsequent request.
func (b *Buffer) Stage(ctx context.Context, key Key, backend afs.Backend, srcRel string) (string, error) {
	b.mu.Lock()
	if p, ok := b.entries[key]; ok {
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	localPath := filepath.Join(b.dir, shortID()+"_"+filepath.Base(srcRel))
	if err := b.copyIn(ctx, backend, srcRel, localPath); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.entries[key]; ok {
		// Lost a race with a concurrent Stage for the same key; keep the
		// winner's file and discard ours.
		os.Remove(localPath)
		return p, nil
	}
	b.entries[key] = localPath
	return localPath, nil
}

func (b *Buffer) copyIn(ctx context.Context, backend afs.Backend, srcRel, localPath string) error {
	reader, err := backend.OpenInput(ctx, srcRel)
	if err != nil {
		return err
	}
	defer reader.Close()

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, reader.BlockSize())
	if len(buf) == 0 {
		buf = make([]byte, 64*1024)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := reader.TryRead(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr.Error() == "EOF" {
				return nil
			}
			return rerr
		}
	}
}

// MakeKey builds a Key from an item's attributes, the path used to reach
// it, and whether traversal followed a symlink to find it.
func MakeKey(attrs tfs.FileAttrs, followedSymlink bool, displayPath string) Key {
	return Key{
		ModTime:         attrs.ModTime,
		Size:            attrs.Size,
		Fingerprint:     attrs.FileFingerprint,
		FollowedSymlink: followedSymlink,
		InitPathPhrase:  displayPath,
	}
}

// Close removes the entire staging directory.
func (b *Buffer) Close() error {
	return os.RemoveAll(b.dir)
}
