// Package walk implements the parallel traverser: concurrent directory
// enumeration per device, keyed exactly once per (device, folder) pair,
// with retry/continue error policy and a rate-limited status callback.
package walk

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/session"
)

// FolderNode is a single-side directory tree as produced by one Traverse
// call; compare.Merge pairs two of these (left/right) into a dirtree.Tree.
type FolderNode struct {
	Folders  map[string]*FolderNode
	Files    map[string]tfs.FileAttrs
	Symlinks map[string]tfs.SymlinkAttrs
}

func newFolderNode() *FolderNode {
	return &FolderNode{Folders: map[string]*FolderNode{}, Files: map[string]tfs.FileAttrs{}, Symlinks: map[string]tfs.SymlinkAttrs{}}
}

// Result is one key's traversal outcome: the folder tree plus per-path
// read failures at item and directory granularity. A root-level failure is
// keyed by the empty relative path.
type Result struct {
	Root         *FolderNode
	ItemErrors   map[string]error
	FolderErrors map[string]error
}

// Key identifies one traversal unit: a device root, a starting folder
// within it, and the filtering/symlink policy to apply while enumerating.
type Key struct {
	Device        tfs.Device
	Folder        string
	SymlinkPolicy afs.SymlinkPolicy
	// ChildMightMatch lets a filter prune subtrees during traversal
	// instead of after the fact. A nil func means "no pruning".
	ChildMightMatch func(rel string) bool
}

// StatusFunc receives a scanning status line and cumulative found-item
// count, rate-limited to roughly once per statusInterval.
type StatusFunc func(deviceKey, text string, itemsFound int)

const statusInterval = 50 * time.Millisecond

// Traverser runs Traverse calls across backends concurrently, one
// goroutine group member per unique Key, obeying each device's
// effective_max via the shared session.DeviceLimiter.
type Traverser struct {
	Backends func(tfs.Device) (afs.Backend, error)
	Limiter  *session.DeviceLimiter
	Status   StatusFunc
}

// Run traverses every key exactly once, concurrently across distinct
// devices (bounded by Limiter), and returns each key's Result keyed by its
// position in keys.
func (t *Traverser) Run(ctx context.Context, keys []Key) ([]Result, error) {
	results := make([]Result, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			deviceKey := key.Device.Key()
			if t.Limiter != nil {
				if err := t.Limiter.Acquire(ctx, deviceKey); err != nil {
					return err
				}
				defer t.Limiter.Release(deviceKey)
			}
			backend, err := t.Backends(key.Device)
			if err != nil {
				return err
			}
			results[i] = t.traverseOne(ctx, deviceKey, backend, key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (t *Traverser) traverseOne(ctx context.Context, deviceKey string, backend afs.Backend, key Key) Result {
	root := newFolderNode()
	res := Result{Root: root, ItemErrors: map[string]error{}, FolderErrors: map[string]error{}}

	var mu sync.Mutex
	var itemsFound int
	var lastReport time.Time

	reportItem := func() {
		if t.Status == nil {
			return
		}
		mu.Lock()
		itemsFound++
		now := time.Now()
		due := now.Sub(lastReport) >= statusInterval
		n := itemsFound
		if due {
			lastReport = now
		}
		mu.Unlock()
		if due {
			t.Status(deviceKey, "scanning "+key.Folder, n)
		}
	}

	t.traverseInto(ctx, backend, key.Folder, key.SymlinkPolicy, key.ChildMightMatch, root, &res, reportItem)
	return res
}

// traverseInto makes one (fully recursive) Traverse call against the
// backend and reconstructs the nested FolderNode tree from the flat
// callback stream. Backends report a folder before any of its descendants,
// so by the time a child's callback fires the parent FolderNode is already
// present in byRel.
func (t *Traverser) traverseInto(ctx context.Context, backend afs.Backend, rel string, policy afs.SymlinkPolicy, childMightMatch func(string) bool, node *FolderNode, res *Result, reportItem func()) {
	byRel := map[string]*FolderNode{"": node}

	parentOf := func(childRel string) *FolderNode {
		relToRoot := childRel
		if rel != "" {
			relToRoot = childRel[len(rel)+1:]
		}
		idx := lastSlash(relToRoot)
		if idx < 0 {
			return node
		}
		return byRel[relToRoot[:idx]]
	}

	backend.Traverse(ctx, rel, policy, afs.TraverseCallbacks{
		OnFolder: func(childRel string) {
			if childMightMatch != nil && !childMightMatch(childRel) {
				return
			}
			parent := parentOf(childRel)
			if parent == nil {
				return
			}
			child := newFolderNode()
			parent.Folders[baseName(childRel)] = child
			relToRoot := childRel
			if rel != "" {
				relToRoot = childRel[len(rel)+1:]
			}
			byRel[relToRoot] = child
			reportItem()
		},
		OnFile: func(childRel string, attrs tfs.FileAttrs) {
			if childMightMatch != nil && !childMightMatch(childRel) {
				return
			}
			if parent := parentOf(childRel); parent != nil {
				parent.Files[baseName(childRel)] = attrs
			}
			reportItem()
		},
		OnSymlink: func(childRel string, attrs tfs.SymlinkAttrs) {
			if childMightMatch != nil && !childMightMatch(childRel) {
				return
			}
			if parent := parentOf(childRel); parent != nil {
				parent.Symlinks[baseName(childRel)] = attrs
			}
			reportItem()
		},
		OnItemErr: func(childRel string, err error, retry int) afs.RetryDecision {
			if asRetryableNotFound(err) {
				return afs.Continue
			}
			res.ItemErrors[childRel] = err
			return afs.Continue
		},
		OnDirErr: func(dirRel string, err error, retry int) afs.RetryDecision {
			var fe *tfs.Error
			if errorsAs(err, &fe) && fe.Kind.Retryable() && retry < 3 {
				return afs.Retry
			}
			res.FolderErrors[dirRel] = err
			return afs.Continue
		},
	})
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func asRetryableNotFound(err error) bool {
	var fe *tfs.Error
	return errorsAs(err, &fe) && fe.Kind == tfs.KindNotFound
}

func errorsAs(err error, target **tfs.Error) bool {
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

func baseName(rel string) string {
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return rel[i+1:]
		}
	}
	return rel
}

