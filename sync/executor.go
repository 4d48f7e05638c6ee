// Package sync implements the executor: walks a resolved dirtree.Tree and
// applies each active pair's Direction, dispatching under the per-device
// concurrency caps with a retry loop and progress reporting through the
// status handler.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/session"
	"github.com/twinsync/twinsync/status"
	"github.com/twinsync/twinsync/xfer"
)

// Op is the concrete action an executed node resolves to, derived from
// direction x category.
type Op int

const (
	OpNone Op = iota
	OpCreateFolder
	OpCopy
	OpOverwrite
	OpDelete
	OpMove
	OpMetadataOnly
)

// VersionHook lets the executor hand a doomed target to versioning
// instead of deleting it outright, invoked from xfer's on_delete_target
// slot: overwrite uses this hook to either delete outright or hand the
// existing item to versioning.
type VersionHook func(ctx context.Context, backend afs.Backend, rel string) error

// Config bundles the executor's tunables.
type Config struct {
	Backends        func(tfs.Device) (afs.Backend, error)
	Limiter         *session.DeviceLimiter
	Status          *status.Handler
	RetryCount      int
	RetryDelay      time.Duration
	UseRecycleBin   bool
	OnDeleteTarget  VersionHook // nil means plain delete/recycle
}

// Executor runs one sync pass over a resolved tree.
type Executor struct {
	cfg Config

	mu             sync.Mutex
	pathLocks      map[string]*sync.Mutex
	recycleWarned  map[string]bool
}

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	return &Executor{cfg: cfg, pathLocks: map[string]*sync.Mutex{}, recycleWarned: map[string]bool{}}
}

// Run walks t starting at root and hands every active node to its own
// errgroup worker, honoring device concurrency caps and serializing
// operations that share the same destination path. Workers run
// concurrently, in no fixed order.
func (e *Executor) Run(ctx context.Context, t *dirtree.Tree, root int, left, right tfs.Device) error {
	g, ctx := errgroup.WithContext(ctx)
	e.walkSchedule(ctx, g, t, root, left, right)
	return g.Wait()
}

func (e *Executor) walkSchedule(ctx context.Context, g *errgroup.Group, t *dirtree.Tree, idx int, left, right tfs.Device) {
	n := t.Nodes[idx]
	for _, c := range n.Folders {
		e.scheduleNode(ctx, g, t, c, left, right, true)
	}
	for _, c := range append(append([]int{}, n.Files...), n.Symlinks...) {
		e.scheduleNode(ctx, g, t, c, left, right, false)
	}
	// A folder's own node is scheduled before its descendants, but g.Go
	// starts each worker at once, so a child can run before its folder's
	// create has finished; executeCreate's ensureParents creates any
	// missing parent first.
	for _, c := range n.Folders {
		e.walkSchedule(ctx, g, t, c, left, right)
	}
}

func (e *Executor) scheduleNode(ctx context.Context, g *errgroup.Group, t *dirtree.Tree, idx int, left, right tfs.Device, isFolder bool) {
	n := t.Nodes[idx]
	if !n.Active || n.Direction == dirtree.DirectionNone || n.Direction == dirtree.DirectionUnresolvedConflict {
		return
	}
	if n.MovePartner != dirtree.NoIndex && n.MovePartner < idx {
		return // the move was already issued from the lower-indexed partner
	}

	g.Go(func() error {
		if e.cfg.Status != nil {
			if src := e.cfg.Status.AbortIfRequested(); src != status.AbortNone {
				return fmt.Errorf("sync: aborted")
			}
		}
		return e.executeWithRetry(ctx, t, idx, left, right)
	})
}

func (e *Executor) executeWithRetry(ctx context.Context, t *dirtree.Tree, idx int, left, right tfs.Device) error {
	n := t.Nodes[idx]
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		err := e.execute(ctx, t, idx, left, right)
		if err == nil {
			if e.cfg.Status != nil {
				e.cfg.Status.UpdateProcessed(1, 0)
			}
			return nil
		}
		lastErr = err
		var fe *tfs.Error
		if !asError(err, &fe) || !fe.Kind.Retryable() || attempt == e.cfg.RetryCount {
			break
		}
		if e.cfg.Status != nil {
			e.cfg.Status.ReportStatus(fmt.Sprintf("retrying %s: %v", n.Name, err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.RetryDelay):
		}
	}
	if e.cfg.Status != nil {
		resp := e.cfg.Status.ReportError(lastErr.Error(), e.cfg.RetryCount)
		if resp == status.ErrorIgnore || resp == status.ErrorIgnoreAll {
			return nil
		}
	}
	return lastErr
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

func (e *Executor) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pathLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.pathLocks[key] = l
	}
	return l
}

// execute dispatches one node under its device concurrency slots and the
// at-most-one-writer-per-path lock.
func (e *Executor) execute(ctx context.Context, t *dirtree.Tree, idx int, left, right tfs.Device) error {
	n := t.Nodes[idx]
	rel := t.Path(idx)

	srcDevice, dstDevice := left, right
	if n.Direction == dirtree.DirectionToLeft {
		srcDevice, dstDevice = right, left
	}

	if e.cfg.Limiter != nil {
		if err := e.cfg.Limiter.Acquire(ctx, srcDevice.Key()); err != nil {
			return err
		}
		defer e.cfg.Limiter.Release(srcDevice.Key())
		if dstDevice.Key() != srcDevice.Key() {
			if err := e.cfg.Limiter.Acquire(ctx, dstDevice.Key()); err != nil {
				return err
			}
			defer e.cfg.Limiter.Release(dstDevice.Key())
		}
	}

	lock := e.lockFor(dstDevice.Key() + "\x00" + rel)
	lock.Lock()
	defer lock.Unlock()

	srcBackend, err := e.cfg.Backends(srcDevice)
	if err != nil {
		return err
	}
	dstBackend, err := e.cfg.Backends(dstDevice)
	if err != nil {
		return err
	}

	if n.MovePartner != dirtree.NoIndex {
		return e.executeMove(ctx, t, idx, srcBackend, dstBackend, srcDevice, dstDevice)
	}

	switch n.Category {
	case dirtree.CategoryLeftOnly:
		if n.Direction == dirtree.DirectionToRight {
			return e.executeCreate(ctx, n, rel, srcBackend, dstBackend)
		}
		// DirectionToLeft on a left_only item means "make left look like
		// right", and right doesn't have it: remove it from left.
		return e.executeDelete(ctx, n, rel, dstBackend, dstDevice.Key())
	case dirtree.CategoryRightOnly:
		if n.Direction == dirtree.DirectionToLeft {
			return e.executeCreate(ctx, n, rel, srcBackend, dstBackend)
		}
		return e.executeDelete(ctx, n, rel, dstBackend, dstDevice.Key())
	case dirtree.CategoryLeftNewer, dirtree.CategoryRightNewer, dirtree.CategoryDifferentContent, dirtree.CategoryConflict, dirtree.CategoryInvalidDate:
		return e.executeOverwrite(ctx, n, rel, srcBackend, dstBackend)
	case dirtree.CategoryDifferentMetadata:
		return e.executeMetadataOnly(ctx, n, rel, dstBackend, n.Direction == dirtree.DirectionToLeft)
	default:
		return nil
	}
}

func (e *Executor) executeCreate(ctx context.Context, n *dirtree.Node, rel string, srcBackend, dstBackend afs.Backend) error {
	side := n.Left
	if !side.Present {
		side = n.Right
	}
	switch side.Type {
	case tfs.TypeFolder:
		if err := e.ensureParents(ctx, dstBackend, rel); err != nil {
			return err
		}
		return dstBackend.CreateFolder(ctx, rel)
	case tfs.TypeSymlink:
		if err := e.ensureParents(ctx, dstBackend, rel); err != nil {
			return err
		}
		return dstBackend.CopySymlink(ctx, rel, rel)
	default:
		if err := e.ensureParents(ctx, dstBackend, rel); err != nil {
			return err
		}
		_, err := xfer.Copy(ctx, srcBackend, rel, side.File, dstBackend, rel, nil, e.progressFunc())
		return err
	}
}

// executeDelete removes the only side's item from dstBackend so dstBackend
// ends up matching the (empty) other side, diverting to versioning when a
// VersionHook is configured and otherwise falling back through the
// recycle bin.
func (e *Executor) executeDelete(ctx context.Context, n *dirtree.Node, rel string, dstBackend afs.Backend, baseFolderKey string) error {
	side := n.Left
	if !side.Present {
		side = n.Right
	}
	if e.cfg.OnDeleteTarget != nil {
		return e.cfg.OnDeleteTarget(ctx, dstBackend, rel)
	}
	switch side.Type {
	case tfs.TypeFolder:
		return afs.DefaultRemoveFolderRecursive(ctx, dstBackend, rel)
	case tfs.TypeSymlink:
		return dstBackend.RemoveSymlink(ctx, rel)
	default:
		return e.DeleteToRecycle(ctx, dstBackend, baseFolderKey, rel)
	}
}

func (e *Executor) executeOverwrite(ctx context.Context, n *dirtree.Node, rel string, srcBackend, dstBackend afs.Backend) error {
	toRight := n.Direction == dirtree.DirectionToRight
	side := n.Left
	if !toRight {
		side = n.Right
	}
	if side.Type == tfs.TypeSymlink {
		return dstBackend.CopySymlink(ctx, rel, rel)
	}
	hook := func(ctx context.Context) error {
		if e.cfg.OnDeleteTarget != nil {
			return e.cfg.OnDeleteTarget(ctx, dstBackend, rel)
		}
		return dstBackend.RemoveFile(ctx, rel)
	}
	_, err := xfer.Copy(ctx, srcBackend, rel, side.File, dstBackend, rel, hook, e.progressFunc())
	return err
}

func (e *Executor) executeMetadataOnly(ctx context.Context, n *dirtree.Node, rel string, dstBackend afs.Backend, toLeft bool) error {
	// Metadata-only: the content already agrees; only the case-sensitive
	// name on the destination side needs correcting.
	oldName := n.RightName
	if toLeft {
		oldName = n.LeftName
	}
	if oldName == "" {
		return nil
	}
	parent, _ := tfs.Path{Rel: rel}.ParentOf()
	oldRel := oldName
	if parent.Rel != "" {
		oldRel = parent.Rel + tfs.Sep + oldName
	}
	return dstBackend.MoveAndRename(ctx, oldRel, rel)
}

// executeMove replays a detected rename onto the stale side. idx and its
// MovePartner are the same logical file under two different names, one per
// physical side (left_only vs right_only); which one is the source of
// truth is n.Direction, not which node happens to be idx, so srcRel/dstRel
// must be derived from Direction rather than from idx's own category.
func (e *Executor) executeMove(ctx context.Context, t *dirtree.Tree, idx int, srcBackend, dstBackend afs.Backend, srcDevice, dstDevice tfs.Device) error {
	n := t.Nodes[idx]
	leftIdx, rightIdx := idx, n.MovePartner
	if n.Category == dirtree.CategoryRightOnly {
		leftIdx, rightIdx = n.MovePartner, idx
	}
	leftRel, rightRel := t.Path(leftIdx), t.Path(rightIdx)

	// newRel is the name the rename already produced, on the side
	// n.Direction treats as source of truth; oldRel is the stale name still
	// sitting on the side being brought into line - matching execute()'s
	// own srcDevice/dstDevice convention (ToRight: src=left, dst=right).
	newRel, oldRel := leftRel, rightRel
	srcSide := t.Nodes[leftIdx].Left
	if n.Direction == dirtree.DirectionToLeft {
		newRel, oldRel = rightRel, leftRel
		srcSide = t.Nodes[rightIdx].Right
	}

	if srcDevice.Kind == dstDevice.Kind {
		if err := e.ensureParents(ctx, dstBackend, newRel); err != nil {
			return err
		}
		if err := dstBackend.MoveAndRename(ctx, oldRel, newRel); err == nil {
			return nil
		}
		var fe *tfs.Error
		if !asError(err, &fe) || fe.Kind != tfs.KindMoveUnsupported {
			return err
		}
		// fall through to copy+delete
	}

	if err := e.ensureParents(ctx, dstBackend, newRel); err != nil {
		return err
	}
	if _, err := xfer.Copy(ctx, srcBackend, newRel, srcSide.File, dstBackend, newRel, nil, e.progressFunc()); err != nil {
		return err
	}
	return dstBackend.RemoveFile(ctx, oldRel)
}

func (e *Executor) ensureParents(ctx context.Context, backend afs.Backend, rel string) error {
	p := tfs.Path{Rel: rel}
	parent, ok := p.ParentOf()
	if !ok || parent.Rel == "" {
		return nil
	}
	if _, exists, err := backend.ItemTypeIfExists(ctx, parent.Rel); err != nil {
		return err
	} else if exists {
		return nil
	}
	if err := e.ensureParents(ctx, backend, parent.Rel); err != nil {
		return err
	}
	err := backend.CreateFolder(ctx, parent.Rel)
	var fe *tfs.Error
	if err != nil && asError(err, &fe) && fe.Kind == tfs.KindAlreadyExists {
		return nil
	}
	return err
}

func (e *Executor) progressFunc() xfer.Progress {
	if e.cfg.Status == nil {
		return nil
	}
	return func(bytesRead uint64) {
		e.cfg.Status.UpdateProcessed(0, int64(bytesRead))
	}
}

// DeleteToRecycle removes rel via the backend's recycler if enabled and
// available, warning once per base folder the first time it falls back to
// a permanent delete: an unavailable recycler is surfaced once per base
// folder as a warning.
func (e *Executor) DeleteToRecycle(ctx context.Context, backend afs.Backend, baseFolderKey, rel string) error {
	if e.cfg.UseRecycleBin && backend.SupportsRecycle(ctx, baseFolderKey) {
		return backend.RecycleItem(ctx, rel)
	}
	e.mu.Lock()
	warned := e.recycleWarned[baseFolderKey]
	if !warned {
		e.recycleWarned[baseFolderKey] = true
	}
	e.mu.Unlock()
	if !warned && e.cfg.Status != nil {
		active := true
		e.cfg.Status.ReportWarning("recycle bin unavailable for "+baseFolderKey+", deleting permanently", &active)
	}
	return backend.RemoveFile(ctx, rel)
}
