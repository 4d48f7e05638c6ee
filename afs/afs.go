// Package afs defines the Abstract File System contract: the capability
// surface every backend (local, FTP, SFTP, a cloud drive) exposes to the
// comparison and synchronization engine. Backends are modeled as
// interface implementations dispatched by dynamic lookup rather than as
// a closed tagged-union — new backends register themselves rather than
// requiring a change to a central switch.
package afs

import (
	"context"
	"io"
	"time"

	tfs "github.com/twinsync/twinsync/fs"
)

// RetryDecision is returned by a traversal error callback.
type RetryDecision int

const (
	Retry RetryDecision = iota
	Continue
)

// Reader is a backend input stream. BlockSize advises the copy loop of the
// backend's natural I/O granularity; TryRead exposes byte-granular
// accounting so callers can drive progress and throttling precisely.
type Reader interface {
	io.Closer
	BlockSize() int
	TryRead(p []byte) (n int, err error)
}

// Writer is a backend output stream opened with size/mtime hints so
// backends that pre-allocate or cannot change size after the fact can do
// so up front.
type Writer interface {
	io.Closer
	BlockSize() int
	TryWrite(p []byte) (n int, err error)
	// Finalize flushes and, where the backend supports it, fsyncs the
	// written data, returning the resulting fingerprint (may be empty).
	Finalize(ctx context.Context) (fingerprint string, err error)
}

// FileCallback, FolderCallback, SymlinkCallback receive one traversed item
// each, given as an abstract relative path (relative to the traversal
// root) plus its attributes.
type FileCallback func(rel string, attrs tfs.FileAttrs)
type FolderCallback func(rel string)
type SymlinkCallback func(rel string, attrs tfs.SymlinkAttrs)

// ItemErrorCallback is invoked for a single-item read failure (e.g. stat
// failed on one entry inside an otherwise-readable directory). retryCount
// is the number of times this same error has already been retried.
type ItemErrorCallback func(rel string, err error, retryCount int) RetryDecision

// DirErrorCallback is invoked when an entire directory could not be
// enumerated (e.g. permission denied). The empty relative path denotes the
// traversal root itself.
type DirErrorCallback func(rel string, err error, retryCount int) RetryDecision

// TraverseCallbacks bundles the callback set for one Traverse call.
type TraverseCallbacks struct {
	OnFile    FileCallback
	OnFolder  FolderCallback
	OnSymlink SymlinkCallback
	OnItemErr ItemErrorCallback
	OnDirErr  DirErrorCallback
}

// SymlinkPolicy controls how Traverse treats symlinks it encounters.
type SymlinkPolicy int

const (
	SymlinkFollow SymlinkPolicy = iota
	SymlinkReport
	SymlinkExclude
)

// Backend is the full AFS contract a concrete backend package implements.
// Default implementations of RemoveFolderRecursive and ItemTypeIfExists are
// provided by afs.DefaultRemoveFolderRecursive / afs.DefaultItemTypeIfExists
// in terms of Traverse and ItemType so a backend only needs the primitives.
type Backend interface {
	// Kind identifies which BackendKind this implementation provides, so
	// device comparison and same-backend fast paths can be tested cheaply.
	Kind() tfs.BackendKind

	ItemType(ctx context.Context, rel string) (tfs.ItemType, error)
	// ItemTypeIfExists returns (type, true, nil) if rel exists, (_, false,
	// nil) if rel is absent, and an error for any other failure. It must
	// distinguish "path absent" from "parent absent/inaccessible" by
	// walking upward when the direct stat is ambiguous.
	ItemTypeIfExists(ctx context.Context, rel string) (tfs.ItemType, bool, error)

	Traverse(ctx context.Context, rel string, policy SymlinkPolicy, cb TraverseCallbacks)

	OpenInput(ctx context.Context, rel string) (Reader, error)
	OpenOutput(ctx context.Context, rel string, sizeHint uint64, mtimeHint int64) (Writer, error)

	// CopySameBackend is an optional fast path used only when src and dst
	// share the same Backend implementation (same Kind, possibly
	// different device). ok=false means the caller must fall back to the
	// generic stream copy.
	CopySameBackend(ctx context.Context, srcRel string, attrs tfs.FileAttrs, dstRel string, copyPerms bool, progress func(n int64)) (ok bool, err error)

	CreateFolder(ctx context.Context, rel string) error
	RemoveFile(ctx context.Context, rel string) error
	RemoveSymlink(ctx context.Context, rel string) error
	RemoveFolderEmpty(ctx context.Context, rel string) error
	// MoveAndRename may fail with a *tfs.Error{Kind: tfs.KindMoveUnsupported}.
	MoveAndRename(ctx context.Context, srcRel, dstRel string) error
	CopySymlink(ctx context.Context, srcRel, dstRel string) error

	// RecycleItem may fail with Kind tfs.KindRecycleUnavailable.
	RecycleItem(ctx context.Context, rel string) error
	SupportsRecycle(ctx context.Context, root string) bool

	// HasNativeTransactionalCopy reports whether overwrite-via-rename is
	// atomic and tunneling-safe on this backend, letting xfer.Copy
	// delegate directly instead of doing its own temp+rename dance.
	HasNativeTransactionalCopy(rel string) bool

	// AccessTimeout is the per-device deadline for non-blocking existence
	// checks at startup.
	AccessTimeout(rel string) time.Duration
}

// DefaultItemTypeIfExists implements the default ItemTypeIfExists in
// terms of ItemType, for backends whose native stat call cannot itself
// distinguish "not found" from other errors.
func DefaultItemTypeIfExists(ctx context.Context, b Backend, rel string) (tfs.ItemType, bool, error) {
	t, err := b.ItemType(ctx, rel)
	if err == nil {
		return t, true, nil
	}
	var fe *tfs.Error
	if asError(err, &fe) && fe.Kind == tfs.KindNotFound {
		return 0, false, nil
	}
	return 0, false, err
}

func asError(err error, target **tfs.Error) bool {
	for err != nil {
		if e, ok := err.(*tfs.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// DefaultRemoveFolderRecursive implements the default recursive delete in
// terms of Traverse + the per-item remove primitives: children first,
// depth-first, so a folder is only removed once empty.
func DefaultRemoveFolderRecursive(ctx context.Context, b Backend, rel string) error {
	var folders []string
	var files []string
	var symlinks []string
	b.Traverse(ctx, rel, SymlinkReport, TraverseCallbacks{
		OnFile:    func(r string, _ tfs.FileAttrs) { files = append(files, r) },
		OnFolder:  func(r string) { folders = append(folders, r) },
		OnSymlink: func(r string, _ tfs.SymlinkAttrs) { symlinks = append(symlinks, r) },
		OnItemErr: func(_ string, _ error, _ int) RetryDecision { return Continue },
		OnDirErr:  func(_ string, _ error, _ int) RetryDecision { return Continue },
	})
	for _, f := range files {
		if err := b.RemoveFile(ctx, f); err != nil {
			return err
		}
	}
	for _, s := range symlinks {
		if err := b.RemoveSymlink(ctx, s); err != nil {
			return err
		}
	}
	// Deepest folders first: Traverse yields folders in discovery (shallow
	// first) order, so remove in reverse.
	for i := len(folders) - 1; i >= 0; i-- {
		if err := b.RemoveFolderEmpty(ctx, folders[i]); err != nil {
			return err
		}
	}
	return b.RemoveFolderEmpty(ctx, rel)
}
