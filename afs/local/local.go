// Package local implements the Abstract File System contract over the host
// filesystem.
package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
)

func init() {
	afs.Register(tfs.BackendLocal, func(device tfs.Device, _ map[string]string) (afs.Backend, error) {
		return &Backend{root: device.Root}, nil
	})
}

// Backend is the local-filesystem AFS implementation.
type Backend struct {
	root string
}

// New constructs a local Backend rooted at root without going through the
// registry, for callers that already know they want the local backend.
func New(root string) *Backend { return &Backend{root: root} }

func (b *Backend) Kind() tfs.BackendKind { return tfs.BackendLocal }

func (b *Backend) nativePath(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *Backend) ItemType(_ context.Context, rel string) (tfs.ItemType, error) {
	fi, err := os.Lstat(b.nativePath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, tfs.NewError(tfs.KindNotFound, rel, err, "not found")
		}
		if os.IsPermission(err) {
			return 0, tfs.NewError(tfs.KindAccessDenied, rel, err, "permission denied")
		}
		return 0, tfs.NewError(tfs.KindTransportError, rel, err, "stat failed")
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return tfs.TypeSymlink, nil
	case fi.IsDir():
		return tfs.TypeFolder, nil
	default:
		return tfs.TypeFile, nil
	}
}

// ItemTypeIfExists reports rel's type if it exists. It does not walk
// upward: an absent leaf and an absent parent both report (0, false, nil),
// and any other Lstat failure is returned as an error.
func (b *Backend) ItemTypeIfExists(ctx context.Context, rel string) (tfs.ItemType, bool, error) {
	t, err := b.ItemType(ctx, rel)
	if err == nil {
		return t, true, nil
	}
	var fe *tfs.Error
	if errors.As(err, &fe) && fe.Kind == tfs.KindNotFound {
		return 0, false, nil
	}
	return 0, false, err
}

func (b *Backend) Traverse(_ context.Context, rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks) {
	b.traverseDir(rel, policy, cb, 0)
}

func (b *Backend) traverseDir(rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks, retryCount int) {
	dirPath := b.nativePath(rel)
	fd, err := os.Open(dirPath)
	if err != nil {
		decision := cb.OnDirErr(rel, classifyOSErr(rel, err), retryCount)
		if decision == afs.Retry {
			b.traverseDir(rel, policy, cb, retryCount+1)
		}
		return
	}
	defer fd.Close()

	names, err := fd.Readdirnames(-1)
	if err != nil {
		decision := cb.OnDirErr(rel, classifyOSErr(rel, err), retryCount)
		if decision == afs.Retry {
			b.traverseDir(rel, policy, cb, retryCount+1)
		}
		return
	}

	for _, name := range names {
		childRel := path.Join(rel, name)
		fi, err := os.Lstat(filepath.Join(dirPath, name))
		if err != nil {
			if cb.OnItemErr(childRel, classifyOSErr(childRel, err), 0) == afs.Retry {
				if fi2, err2 := os.Lstat(filepath.Join(dirPath, name)); err2 == nil {
					fi, err = fi2, nil
				}
			}
			if err != nil {
				continue
			}
		}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			switch policy {
			case afs.SymlinkExclude:
				continue
			case afs.SymlinkFollow:
				target, _ := os.Readlink(filepath.Join(dirPath, name))
				if cb.OnSymlink != nil {
					cb.OnSymlink(childRel, tfs.SymlinkAttrs{ModTime: fi.ModTime().Unix(), Target: target})
				}
			default:
				target, _ := os.Readlink(filepath.Join(dirPath, name))
				if cb.OnSymlink != nil {
					cb.OnSymlink(childRel, tfs.SymlinkAttrs{ModTime: fi.ModTime().Unix(), Target: target})
				}
			}
		case fi.IsDir():
			if cb.OnFolder != nil {
				cb.OnFolder(childRel)
			}
			b.traverseDir(childRel, policy, cb, 0)
		default:
			if cb.OnFile != nil {
				cb.OnFile(childRel, tfs.FileAttrs{
					Size:            uint64(fi.Size()),
					ModTime:         fi.ModTime().Unix(),
					FileFingerprint: fingerprintOf(fi),
				})
			}
		}
	}
}

func classifyOSErr(rel string, err error) error {
	switch {
	case os.IsNotExist(err):
		return tfs.NewError(tfs.KindNotFound, rel, err, "not found")
	case os.IsPermission(err):
		return tfs.NewError(tfs.KindAccessDenied, rel, err, "permission denied")
	default:
		return tfs.NewError(tfs.KindTransportError, rel, err, "io error")
	}
}

type fileReader struct {
	f    *os.File
	rel  string
	size int64
}

const defaultBlockSize = 128 * 1024

func (r *fileReader) BlockSize() int { return defaultBlockSize }
func (r *fileReader) Close() error   { return r.f.Close() }
func (r *fileReader) TryRead(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, tfs.NewError(tfs.KindTransportError, r.rel, err, "read failed")
	}
	return n, err
}

func (b *Backend) OpenInput(_ context.Context, rel string) (afs.Reader, error) {
	f, err := os.Open(b.nativePath(rel))
	if err != nil {
		return nil, classifyOSErr(rel, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classifyOSErr(rel, err)
	}
	return &fileReader{f: f, rel: rel, size: fi.Size()}, nil
}

type fileWriter struct {
	f       *os.File
	rel     string
	mtime   int64
	hasTime bool
}

func (w *fileWriter) BlockSize() int { return defaultBlockSize }
func (w *fileWriter) TryWrite(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, tfs.NewError(tfs.KindTransportError, w.rel, err, "write failed")
	}
	return n, nil
}

func (w *fileWriter) Close() error { return w.f.Close() }

func (w *fileWriter) Finalize(_ context.Context) (string, error) {
	if err := w.f.Sync(); err != nil {
		return "", tfs.NewError(tfs.KindTransportError, w.rel, err, "fsync failed")
	}
	var fp string
	if fi, err := w.f.Stat(); err == nil {
		fp = fingerprintOf(fi)
	}
	if err := w.f.Close(); err != nil {
		return fp, tfs.NewError(tfs.KindTransportError, w.rel, err, "close failed")
	}
	if w.hasTime {
		if err := os.Chtimes(w.f.Name(), time.Unix(w.mtime, 0), time.Unix(w.mtime, 0)); err != nil {
			// Best-effort: a mod-time error is dropped, not returned, and
			// the file keeps the mtime the OS gave it.
			return fp, nil
		}
	}
	return fp, nil
}

func (b *Backend) OpenOutput(_ context.Context, rel string, _ uint64, mtimeHint int64) (afs.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(b.nativePath(rel)), 0o777); err != nil {
		return nil, classifyOSErr(rel, err)
	}
	f, err := os.OpenFile(b.nativePath(rel), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, classifyOSErr(rel, err)
	}
	return &fileWriter{f: f, rel: rel, mtime: mtimeHint, hasTime: mtimeHint > 0}, nil
}

// CopySameBackend always reports ok=false without copying anything: the
// local backend has no native copy path, so the caller uses the generic
// stream copy.
func (b *Backend) CopySameBackend(ctx context.Context, srcRel string, attrs tfs.FileAttrs, dstRel string, _ bool, progress func(int64)) (bool, error) {
	return false, nil
}

func (b *Backend) CreateFolder(_ context.Context, rel string) error {
	if err := os.MkdirAll(b.nativePath(rel), 0o777); err != nil {
		return classifyOSErr(rel, err)
	}
	return nil
}

func (b *Backend) RemoveFile(_ context.Context, rel string) error {
	if err := os.Remove(b.nativePath(rel)); err != nil && !os.IsNotExist(err) {
		return classifyOSErr(rel, err)
	}
	return nil
}

func (b *Backend) RemoveSymlink(ctx context.Context, rel string) error { return b.RemoveFile(ctx, rel) }

func (b *Backend) RemoveFolderEmpty(_ context.Context, rel string) error {
	if err := os.Remove(b.nativePath(rel)); err != nil && !os.IsNotExist(err) {
		return classifyOSErr(rel, err)
	}
	return nil
}

func (b *Backend) MoveAndRename(_ context.Context, srcRel, dstRel string) error {
	if err := os.MkdirAll(filepath.Dir(b.nativePath(dstRel)), 0o777); err != nil {
		return classifyOSErr(dstRel, err)
	}
	if err := os.Rename(b.nativePath(srcRel), b.nativePath(dstRel)); err != nil {
		return classifyOSErr(srcRel, err)
	}
	return nil
}

func (b *Backend) CopySymlink(_ context.Context, srcRel, dstRel string) error {
	target, err := os.Readlink(b.nativePath(srcRel))
	if err != nil {
		return classifyOSErr(srcRel, err)
	}
	if err := os.MkdirAll(filepath.Dir(b.nativePath(dstRel)), 0o777); err != nil {
		return classifyOSErr(dstRel, err)
	}
	_ = os.Remove(b.nativePath(dstRel))
	if err := os.Symlink(target, b.nativePath(dstRel)); err != nil {
		return classifyOSErr(dstRel, err)
	}
	return nil
}

// RecycleItem is not implemented generically here: platform recycle bins
// need OS-specific syscalls (SHFileOperation, trash spec, …) that are out
// of AFS's capability surface here; callers should treat
// RecycleUnavailable as the steady-state answer on this backend unless a
// platform-specific build tag supplies one.
func (b *Backend) RecycleItem(_ context.Context, rel string) error {
	return tfs.NewError(tfs.KindRecycleUnavailable, rel, nil, "local recycle bin not wired on this platform")
}

func (b *Backend) SupportsRecycle(_ context.Context, _ string) bool { return false }

func (b *Backend) HasNativeTransactionalCopy(_ string) bool {
	// os.Rename within the same volume is atomic; xfer.Copy still does the
	// temp+rename dance itself (it needs a second pass for the
	// delete-target hook), so we report false here and let xfer own it.
	return false
}

func (b *Backend) AccessTimeout(_ string) time.Duration { return 5 * time.Second }

