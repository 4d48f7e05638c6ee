// Package xfer implements the transactional copy contract: after success
// the target exists with the source's content and mtime; on failure the
// target is either absent or identical to its pre-call state.
package xfer

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
)

// TempSuffix is the reserved extension produced by Copy's temp-name step
// and recognized as belonging to this tool wherever it is encountered
// during a later traversal.
const TempSuffix = ".tsync_tmp"

// maxStemCodepoints bounds the temp stem length: a longer stem is
// truncated to this many Unicode code points; a stem within the bound is
// kept whole.
const maxStemCodepoints = 200

// DeleteTargetHook is invoked, if non-nil, after both endpoints have been
// proven accessible (the copy succeeded) but before the rename into place,
// so a pre-existing target can be removed or versioned just in time. When
// dstBackend has a native transactional copy no temp file is used, and the
// hook runs before any data is written.
type DeleteTargetHook func(ctx context.Context) error

// Result reports the outcome of a Copy call.
type Result struct {
	BytesCopied  uint64
	Fingerprint  string
	ModTimeError error // non-fatal mtime failure; Copy fails on any Finalize error and never sets this
}

// Progress is invoked from inside the copy loop with the cumulative bytes
// read so far, for status/progress reporting.
type Progress func(bytesRead uint64)

// Copy performs a transactional copy of srcRel on srcBackend to dstRel on
// dstBackend. If dstBackend reports HasNativeTransactionalCopy for dstRel,
// the native path is used directly and no temp file is ever created.
func Copy(ctx context.Context, srcBackend afs.Backend, srcRel string, attrs tfs.FileAttrs, dstBackend afs.Backend, dstRel string, onDeleteTarget DeleteTargetHook, progress Progress) (Result, error) {
	if srcBackend.Kind() == dstBackend.Kind() {
		if ok, err := dstBackend.CopySameBackend(ctx, srcRel, attrs, dstRel, true, func(n int64) {
			if progress != nil {
				progress(uint64(n))
			}
		}); ok || err != nil {
			if err != nil {
				return Result{}, err
			}
			return Result{BytesCopied: attrs.Size}, nil
		}
	}

	if dstBackend.HasNativeTransactionalCopy(dstRel) {
		return copyStream(ctx, srcBackend, srcRel, attrs, dstBackend, dstRel, onDeleteTarget, progress)
	}

	tempRel := tempNameFor(dstRel)
	res, err := copyToTemp(ctx, srcBackend, srcRel, attrs, dstBackend, tempRel, progress)
	if err != nil {
		_ = dstBackend.RemoveFile(ctx, tempRel)
		return Result{}, err
	}

	if onDeleteTarget != nil {
		if err := onDeleteTarget(ctx); err != nil {
			_ = dstBackend.RemoveFile(ctx, tempRel)
			return Result{}, err
		}
	}

	if err := dstBackend.MoveAndRename(ctx, tempRel, dstRel); err != nil {
		_ = dstBackend.RemoveFile(ctx, tempRel)
		return Result{}, err
	}
	return res, nil
}

// copyStream writes directly to dstRel when the destination backend
// promises atomic overwrite-on-rename semantics of its own.
func copyStream(ctx context.Context, srcBackend afs.Backend, srcRel string, attrs tfs.FileAttrs, dstBackend afs.Backend, dstRel string, onDeleteTarget DeleteTargetHook, progress Progress) (Result, error) {
	if onDeleteTarget != nil {
		if err := onDeleteTarget(ctx); err != nil {
			return Result{}, err
		}
	}
	return copyToTemp(ctx, srcBackend, srcRel, attrs, dstBackend, dstRel, progress)
}

func copyToTemp(ctx context.Context, srcBackend afs.Backend, srcRel string, attrs tfs.FileAttrs, dstBackend afs.Backend, dstRel string, progress Progress) (Result, error) {
	reader, err := srcBackend.OpenInput(ctx, srcRel)
	if err != nil {
		return Result{}, err
	}
	defer reader.Close()

	writer, err := dstBackend.OpenOutput(ctx, dstRel, attrs.Size, attrs.ModTime)
	if err != nil {
		return Result{}, err
	}

	blockSize := reader.BlockSize()
	if w := writer.BlockSize(); w > blockSize {
		blockSize = w
	}
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	buf := make([]byte, blockSize)

	var bytesRead, bytesWritten uint64
	for {
		select {
		case <-ctx.Done():
			writer.Close()
			return Result{}, ctx.Err()
		default:
		}
		n, rerr := reader.TryRead(buf)
		if n > 0 {
			bytesRead += uint64(n)
			w := 0
			for w < n {
				wn, werr := writer.TryWrite(buf[w:n])
				if werr != nil {
					writer.Close()
					return Result{}, werr
				}
				bytesWritten += uint64(wn)
				w += wn
			}
			if progress != nil {
				progress(bytesRead)
			}
		}
		if rerr != nil {
			if isEOF(rerr) {
				break
			}
			writer.Close()
			return Result{}, rerr
		}
	}

	if bytesRead != attrs.Size {
		writer.Close()
		return Result{}, tfs.NewError(tfs.KindTransportError, dstRel, nil, "byte-count mismatch: read %d, expected %d", bytesRead, attrs.Size)
	}
	if bytesWritten != bytesRead {
		writer.Close()
		return Result{}, tfs.NewError(tfs.KindTransportError, dstRel, nil, "byte-count mismatch: wrote %d, read %d", bytesWritten, bytesRead)
	}

	fp, err := writer.Finalize(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{BytesCopied: bytesWritten, Fingerprint: fp}, nil
}

func isEOF(err error) bool { return err != nil && err.Error() == "EOF" }

// tempNameFor derives "<stem>-<4-hex>.tsync_tmp" in dstRel's parent
// directory, truncating the stem to at most maxStemCodepoints Unicode code
// points (shorter stems are kept whole) so name-length limits surface
// promptly instead of being masked by an over-aggressive truncation.
func tempNameFor(dstRel string) string {
	dir, stem := "", dstRel
	if idx := strings.LastIndex(dstRel, "/"); idx >= 0 {
		dir, stem = dstRel[:idx], dstRel[idx+1:]
	}
	stem = truncateUnicode(stem, maxStemCodepoints)
	suffix := uuid.New().String()
	suffix = strings.ReplaceAll(suffix, "-", "")[:4]
	name := stem + "-" + suffix + TempSuffix
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func truncateUnicode(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count >= max {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// IsTempName reports whether rel carries the reserved temp suffix. The
// resolve package recognizes abandoned temp files with its own copy of
// the suffix rather than through this function.
func IsTempName(rel string) bool { return strings.HasSuffix(rel, TempSuffix) }
