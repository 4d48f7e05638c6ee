// Package ftp implements the Abstract File System contract over FTP,
// using github.com/jlaffaye/ftp for the wire protocol.
package ftp

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/session"
)

func init() {
	afs.Register(tfs.BackendFTP, func(device tfs.Device, options map[string]string) (afs.Backend, error) {
		return New(device, options["user"], options["pass"]), nil
	})
}

// Backend is the FTP AFS implementation. Each Backend keeps its own
// session.Pool of *ftp.ServerConn, keyed by host:port:user; two Backend
// values addressing the same account do not share idle sessions.
type Backend struct {
	device tfs.Device
	pass   string
	pool   *session.Pool
	key    string
}

// New builds an FTP Backend for device, authenticating with pass.
func New(device tfs.Device, user, pass string) *Backend {
	if user != "" {
		device.User = user
	}
	b := &Backend{device: device, pass: pass, key: device.Key()}
	b.pool = session.NewPool(b.dial, nil)
	return b
}

type ftpSession struct{ conn *ftp.ServerConn }

func (s *ftpSession) Close() error { return s.conn.Quit() }

func (b *Backend) dial(ctx context.Context) (session.Session, error) {
	addr := b.device.Host
	if b.device.Port != 0 {
		addr = addr + ":" + strconv.Itoa(b.device.Port)
	} else {
		addr = addr + ":21"
	}
	c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, tfs.NewError(tfs.KindTransportError, b.device.Key(), err, "dial failed")
	}
	if err := c.Login(b.device.User, b.pass); err != nil {
		_ = c.Quit()
		return nil, tfs.NewError(tfs.KindAuthFailed, b.device.Key(), err, "login failed")
	}
	return &ftpSession{conn: c}, nil
}

// withConn borrows a session for the duration of fn, returning it to the
// pool on success and dropping it on any connection-shaped failure.
func (b *Backend) withConn(ctx context.Context, fn func(*ftp.ServerConn) error) error {
	s, err := b.pool.Take(ctx, b.key)
	if err != nil {
		return err
	}
	fs := s.(*ftpSession)
	err = fn(fs.conn)
	if err != nil && isConnError(err) {
		b.pool.Drop(s)
		return err
	}
	b.pool.Return(b.key, s, true)
	return err
}

func isConnError(err error) bool {
	var fe *tfs.Error
	if errors.As(err, &fe) {
		return fe.Kind == tfs.KindTransportError || fe.Kind == tfs.KindTimeout
	}
	return false
}

func (b *Backend) Kind() tfs.BackendKind { return tfs.BackendFTP }

func (b *Backend) ItemType(ctx context.Context, rel string) (tfs.ItemType, error) {
	if rel == "" {
		return tfs.TypeFolder, nil
	}
	parent, _ := path.Split(rel)
	parent = strings.TrimSuffix(parent, "/")
	name := path.Base(rel)
	var found *ftp.Entry
	err := b.withConn(ctx, func(c *ftp.ServerConn) error {
		entries, err := c.List(parent)
		if err != nil {
			return tfs.NewError(tfs.KindTransportError, rel, err, "list failed")
		}
		for _, e := range entries {
			if e.Name == name {
				found = e
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found == nil {
		return 0, tfs.NewError(tfs.KindNotFound, rel, nil, "not found")
	}
	switch found.Type {
	case ftp.EntryTypeFolder:
		return tfs.TypeFolder, nil
	case ftp.EntryTypeLink:
		return tfs.TypeSymlink, nil
	default:
		return tfs.TypeFile, nil
	}
}

func (b *Backend) ItemTypeIfExists(ctx context.Context, rel string) (tfs.ItemType, bool, error) {
	return afs.DefaultItemTypeIfExists(ctx, b, rel)
}

func (b *Backend) Traverse(ctx context.Context, rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks) {
	b.traverseDir(ctx, rel, policy, cb, 0)
}

func (b *Backend) traverseDir(ctx context.Context, rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks, retryCount int) {
	var entries []*ftp.Entry
	err := b.withConn(ctx, func(c *ftp.ServerConn) error {
		es, err := c.List(rel)
		if err != nil {
			return tfs.NewError(tfs.KindTransportError, rel, err, "list failed")
		}
		entries = es
		return nil
	})
	if err != nil {
		if cb.OnDirErr(rel, err, retryCount) == afs.Retry {
			b.traverseDir(ctx, rel, policy, cb, retryCount+1)
		}
		return
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		childRel := path.Join(rel, e.Name)
		switch e.Type {
		case ftp.EntryTypeFolder:
			if cb.OnFolder != nil {
				cb.OnFolder(childRel)
			}
			b.traverseDir(ctx, childRel, policy, cb, 0)
		case ftp.EntryTypeLink:
			if policy == afs.SymlinkExclude {
				continue
			}
			if cb.OnSymlink != nil {
				cb.OnSymlink(childRel, tfs.SymlinkAttrs{ModTime: e.Time.Unix(), Target: e.Target})
			}
		default:
			if cb.OnFile != nil {
				cb.OnFile(childRel, tfs.FileAttrs{Size: e.Size, ModTime: e.Time.Unix()})
			}
		}
	}
}

type ftpReader struct {
	resp *ftp.Response
	rel  string
}

func (r *ftpReader) BlockSize() int { return 64 * 1024 }
func (r *ftpReader) Close() error   { return r.resp.Close() }
func (r *ftpReader) TryRead(p []byte) (int, error) {
	n, err := r.resp.Read(p)
	if err != nil && err.Error() != "EOF" {
		return n, tfs.NewError(tfs.KindTransportError, r.rel, err, "read failed")
	}
	return n, err
}

func (b *Backend) OpenInput(ctx context.Context, rel string) (afs.Reader, error) {
	s, err := b.pool.Take(ctx, b.key)
	if err != nil {
		return nil, err
	}
	fs := s.(*ftpSession)
	resp, err := fs.conn.Retr(rel)
	if err != nil {
		b.pool.Drop(s)
		return nil, tfs.NewError(tfs.KindTransportError, rel, err, "retr failed")
	}
	return &ftpReader{resp: resp, rel: rel}, nil
}

// ftpWriter streams into the remote file via a pipe, since jlaffaye/ftp's
// Stor takes an io.Reader rather than exposing incremental writes.
type ftpWriter struct {
	rel    string
	pw     *pipeWriter
	done   chan error
	b      *Backend
	key    string
	sess   session.Session
	closed bool
}

func (b *Backend) OpenOutput(ctx context.Context, rel string, _ uint64, _ int64) (afs.Writer, error) {
	s, err := b.pool.Take(ctx, b.key)
	if err != nil {
		return nil, err
	}
	fs := s.(*ftpSession)
	pr, pw := newPipe()
	w := &ftpWriter{rel: rel, pw: pw, done: make(chan error, 1), b: b, key: b.key, sess: s}
	go func() {
		w.done <- fs.conn.Stor(rel, pr)
	}()
	return w, nil
}

func (w *ftpWriter) BlockSize() int { return 64 * 1024 }
func (w *ftpWriter) TryWrite(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		return n, tfs.NewError(tfs.KindTransportError, w.rel, err, "write failed")
	}
	return n, nil
}

func (w *ftpWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.pw.Close()
}

func (w *ftpWriter) Finalize(_ context.Context) (string, error) {
	if err := w.pw.Close(); err != nil {
		return "", err
	}
	if err := <-w.done; err != nil {
		w.b.pool.Drop(w.sess)
		return "", tfs.NewError(tfs.KindTransportError, w.rel, err, "stor failed")
	}
	w.b.pool.Return(w.key, w.sess, true)
	return "", nil
}

func (b *Backend) CopySameBackend(_ context.Context, _ string, _ tfs.FileAttrs, _ string, _ bool, _ func(int64)) (bool, error) {
	// FTP has no server-side copy verb in the base protocol; the executor
	// falls back to the generic stream copy.
	return false, nil
}

func (b *Backend) CreateFolder(ctx context.Context, rel string) error {
	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if err := c.MakeDir(rel); err != nil {
			return tfs.NewError(tfs.KindTransportError, rel, err, "mkd failed")
		}
		return nil
	})
}

func (b *Backend) RemoveFile(ctx context.Context, rel string) error {
	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if err := c.Delete(rel); err != nil {
			return tfs.NewError(tfs.KindTransportError, rel, err, "dele failed")
		}
		return nil
	})
}

func (b *Backend) RemoveSymlink(ctx context.Context, rel string) error { return b.RemoveFile(ctx, rel) }

func (b *Backend) RemoveFolderEmpty(ctx context.Context, rel string) error {
	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if err := c.RemoveDir(rel); err != nil {
			return tfs.NewError(tfs.KindTransportError, rel, err, "rmd failed")
		}
		return nil
	})
}

func (b *Backend) MoveAndRename(ctx context.Context, srcRel, dstRel string) error {
	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if err := c.Rename(srcRel, dstRel); err != nil {
			return tfs.NewError(tfs.KindTransportError, srcRel, err, "rnfr/rnto failed")
		}
		return nil
	})
}

func (b *Backend) CopySymlink(_ context.Context, _, _ string) error {
	// Plain FTP has no symlink concept of its own; backends that surface
	// EntryTypeLink do so for server-side symlinks the protocol cannot
	// recreate remotely, so this fails with MoveUnsupported; the executor
	// has no fallback for symlinks and reports the item as failed.
	return tfs.NewError(tfs.KindMoveUnsupported, "", nil, "ftp backend cannot materialize symlinks")
}

func (b *Backend) RecycleItem(_ context.Context, rel string) error {
	return tfs.NewError(tfs.KindRecycleUnavailable, rel, nil, "ftp has no recycle bin")
}

func (b *Backend) SupportsRecycle(_ context.Context, _ string) bool { return false }

func (b *Backend) HasNativeTransactionalCopy(_ string) bool { return false }

func (b *Backend) AccessTimeout(_ string) time.Duration { return 30 * time.Second }
