// Package sftp implements the Abstract File System contract over SFTP,
// using github.com/pkg/sftp and golang.org/x/crypto/ssh.
package sftp

import (
	"context"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/session"
)

func init() {
	afs.Register(tfs.BackendSFTP, func(device tfs.Device, options map[string]string) (afs.Backend, error) {
		return New(device, options["user"], options["pass"]), nil
	})
}

// channelLimitTimeout bounds attempts to negotiate extra SFTP channels
// beyond what a server allows.
const channelLimitTimeout = 30 * time.Second

// Backend is the SFTP AFS implementation.
type Backend struct {
	device tfs.Device
	pass   string
	pool   *session.Pool
	key    string
}

func New(device tfs.Device, user, pass string) *Backend {
	if user != "" {
		device.User = user
	}
	b := &Backend{device: device, pass: pass, key: device.Key()}
	b.pool = session.NewPool(b.dial, nil)
	return b
}

type sftpSession struct {
	ssh    *ssh.Client
	client *sftp.Client
}

func (s *sftpSession) Close() error {
	_ = s.client.Close()
	return s.ssh.Close()
}

func (b *Backend) dial(ctx context.Context) (session.Session, error) {
	addr := b.device.Host
	if b.device.Port != 0 {
		addr = addr + ":" + strconv.Itoa(b.device.Port)
	} else {
		addr = addr + ":22"
	}
	cfg := &ssh.ClientConfig{
		User:            b.device.User,
		Auth:            []ssh.AuthMethod{ssh.Password(b.pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         channelLimitTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, channelLimitTimeout)
	defer cancel()
	var sshClient *ssh.Client
	errc := make(chan error, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			sshClient = c
		}
		errc <- err
	}()
	select {
	case <-dialCtx.Done():
		return nil, tfs.NewError(tfs.KindTimeout, b.device.Key(), dialCtx.Err(), "ssh channel negotiation timed out")
	case err := <-errc:
		if err != nil {
			return nil, tfs.NewError(tfs.KindAuthFailed, b.device.Key(), err, "ssh dial failed")
		}
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, tfs.NewError(tfs.KindTransportError, b.device.Key(), err, "sftp subsystem failed")
	}
	return &sftpSession{ssh: sshClient, client: client}, nil
}

func (b *Backend) withClient(ctx context.Context, fn func(*sftp.Client) error) error {
	s, err := b.pool.Take(ctx, b.key)
	if err != nil {
		return err
	}
	ss := s.(*sftpSession)
	err = fn(ss.client)
	if err != nil {
		b.pool.Drop(s)
		return err
	}
	b.pool.Return(b.key, s, true)
	return nil
}

func (b *Backend) Kind() tfs.BackendKind { return tfs.BackendSFTP }

func classifySftpErr(rel string, err error) error {
	if os.IsNotExist(err) {
		return tfs.NewError(tfs.KindNotFound, rel, err, "not found")
	}
	if os.IsPermission(err) {
		return tfs.NewError(tfs.KindAccessDenied, rel, err, "permission denied")
	}
	return tfs.NewError(tfs.KindTransportError, rel, err, "sftp error")
}

func (b *Backend) ItemType(ctx context.Context, rel string) (tfs.ItemType, error) {
	var t tfs.ItemType
	err := b.withClient(ctx, func(c *sftp.Client) error {
		fi, err := c.Lstat(rel)
		if err != nil {
			return classifySftpErr(rel, err)
		}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			t = tfs.TypeSymlink
		case fi.IsDir():
			t = tfs.TypeFolder
		default:
			t = tfs.TypeFile
		}
		return nil
	})
	return t, err
}

func (b *Backend) ItemTypeIfExists(ctx context.Context, rel string) (tfs.ItemType, bool, error) {
	return afs.DefaultItemTypeIfExists(ctx, b, rel)
}

func (b *Backend) Traverse(ctx context.Context, rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks) {
	b.traverseDir(ctx, rel, policy, cb, 0)
}

func (b *Backend) traverseDir(ctx context.Context, rel string, policy afs.SymlinkPolicy, cb afs.TraverseCallbacks, retryCount int) {
	var infos []os.FileInfo
	err := b.withClient(ctx, func(c *sftp.Client) error {
		is, err := c.ReadDir(rel)
		if err != nil {
			return classifySftpErr(rel, err)
		}
		infos = is
		return nil
	})
	if err != nil {
		if cb.OnDirErr(rel, err, retryCount) == afs.Retry {
			b.traverseDir(ctx, rel, policy, cb, retryCount+1)
		}
		return
	}
	for _, fi := range infos {
		childRel := path.Join(rel, fi.Name())
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			if policy == afs.SymlinkExclude {
				continue
			}
			var target string
			_ = b.withClient(ctx, func(c *sftp.Client) error {
				t, err := c.ReadLink(childRel)
				if err == nil {
					target = t
				}
				return nil
			})
			if cb.OnSymlink != nil {
				cb.OnSymlink(childRel, tfs.SymlinkAttrs{ModTime: fi.ModTime().Unix(), Target: target})
			}
		case fi.IsDir():
			if cb.OnFolder != nil {
				cb.OnFolder(childRel)
			}
			b.traverseDir(ctx, childRel, policy, cb, 0)
		default:
			if cb.OnFile != nil {
				cb.OnFile(childRel, tfs.FileAttrs{Size: uint64(fi.Size()), ModTime: fi.ModTime().Unix()})
			}
		}
	}
}

type sftpReader struct {
	f   *sftp.File
	rel string
}

func (r *sftpReader) BlockSize() int { return 32 * 1024 }
func (r *sftpReader) Close() error   { return r.f.Close() }
func (r *sftpReader) TryRead(p []byte) (int, error) {
	n, err := r.f.Read(p)
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
	ss := s.(*sftpSession)
	f, err := ss.client.Open(rel)
	if err != nil {
		b.pool.Drop(s)
		return nil, classifySftpErr(rel, err)
	}
	return &sftpReader{f: f, rel: rel}, nil
}

type sftpWriter struct {
	f    *sftp.File
	rel  string
	b    *Backend
	sess session.Session
}

func (b *Backend) OpenOutput(ctx context.Context, rel string, sizeHint uint64, _ int64) (afs.Writer, error) {
	s, err := b.pool.Take(ctx, b.key)
	if err != nil {
		return nil, err
	}
	ss := s.(*sftpSession)
	_ = ss.client.MkdirAll(path.Dir(rel))
	f, err := ss.client.Create(rel)
	if err != nil {
		b.pool.Drop(s)
		return nil, classifySftpErr(rel, err)
	}
	return &sftpWriter{f: f, rel: rel, b: b, sess: s}, nil
}

func (w *sftpWriter) BlockSize() int { return 32 * 1024 }
func (w *sftpWriter) TryWrite(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, tfs.NewError(tfs.KindTransportError, w.rel, err, "write failed")
	}
	return n, nil
}
func (w *sftpWriter) Close() error { return w.f.Close() }

func (w *sftpWriter) Finalize(_ context.Context) (string, error) {
	if err := w.f.Close(); err != nil {
		w.b.pool.Drop(w.sess)
		return "", tfs.NewError(tfs.KindTransportError, w.rel, err, "close failed")
	}
	w.b.pool.Return(w.b.key, w.sess, true)
	return "", nil
}

func (b *Backend) CopySameBackend(_ context.Context, _ string, _ tfs.FileAttrs, _ string, _ bool, _ func(int64)) (bool, error) {
	return false, nil
}

func (b *Backend) CreateFolder(ctx context.Context, rel string) error {
	return b.withClient(ctx, func(c *sftp.Client) error {
		if err := c.MkdirAll(rel); err != nil {
			return classifySftpErr(rel, err)
		}
		return nil
	})
}

func (b *Backend) RemoveFile(ctx context.Context, rel string) error {
	return b.withClient(ctx, func(c *sftp.Client) error {
		if err := c.Remove(rel); err != nil && !os.IsNotExist(err) {
			return classifySftpErr(rel, err)
		}
		return nil
	})
}

func (b *Backend) RemoveSymlink(ctx context.Context, rel string) error { return b.RemoveFile(ctx, rel) }

func (b *Backend) RemoveFolderEmpty(ctx context.Context, rel string) error {
	return b.withClient(ctx, func(c *sftp.Client) error {
		if err := c.RemoveDirectory(rel); err != nil {
			return classifySftpErr(rel, err)
		}
		return nil
	})
}

func (b *Backend) MoveAndRename(ctx context.Context, srcRel, dstRel string) error {
	return b.withClient(ctx, func(c *sftp.Client) error {
		if err := c.Rename(srcRel, dstRel); err != nil {
			return classifySftpErr(srcRel, err)
		}
		return nil
	})
}

func (b *Backend) CopySymlink(ctx context.Context, srcRel, dstRel string) error {
	return b.withClient(ctx, func(c *sftp.Client) error {
		target, err := c.ReadLink(srcRel)
		if err != nil {
			return classifySftpErr(srcRel, err)
		}
		_ = c.Remove(dstRel)
		if err := c.Symlink(target, dstRel); err != nil {
			return classifySftpErr(dstRel, err)
		}
		return nil
	})
}

func (b *Backend) RecycleItem(_ context.Context, rel string) error {
	return tfs.NewError(tfs.KindRecycleUnavailable, rel, nil, "sftp has no recycle bin")
}

func (b *Backend) SupportsRecycle(_ context.Context, _ string) bool { return false }

func (b *Backend) HasNativeTransactionalCopy(_ string) bool { return false }

func (b *Backend) AccessTimeout(_ string) time.Duration { return channelLimitTimeout }
