// Package engine wires the per-component packages (walk, compare, filter,
// resolve, sync, versioning, pathdep, db) into the single end-to-end pass:
// path-dependency check, parallel traversal, merge/classify, hard then
// soft filtering, direction resolution, execution, and a DB snapshot
// rewrite on success. It is the top-level entry point a caller drives one
// folder pair through, start to finish.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/compare"
	"github.com/twinsync/twinsync/db"
	"github.com/twinsync/twinsync/dirtree"
	"github.com/twinsync/twinsync/filter"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/pathdep"
	"github.com/twinsync/twinsync/resolve"
	"github.com/twinsync/twinsync/session"
	"github.com/twinsync/twinsync/status"
	"github.com/twinsync/twinsync/sync"
	"github.com/twinsync/twinsync/versioning"
	"github.com/twinsync/twinsync/walk"
)

// VariantMode selects fixed-direction vs two-way resolution for one pair.
type VariantMode int

const (
	ModeMirror VariantMode = iota
	ModeUpdate
	ModeTwoWay
)

// Pair is one configured folder pair's full run configuration.
type Pair struct {
	Label string
	Left  tfs.Path
	Right tfs.Path

	Mode VariantMode

	Compare compare.Options
	Hard    *filter.HardFilter
	Soft    *filter.SoftFilter

	DBPath     string // empty disables the state DB (forces prefer-newer two-way fallback)
	Versioner  *versioning.Versioner
	SyncConfig sync.Config
}

// Engine owns the shared, cross-pair resources: the backend factory, the
// device concurrency limiter, and the status handler every pair's run
// reports through.
type Engine struct {
	Backends func(tfs.Device) (afs.Backend, error)
	Limiter  *session.DeviceLimiter
	Status   *status.Handler
}

// New builds an Engine. limiter and st may be nil; a nil limiter runs every
// transfer unthrottled, a nil status handler makes every call a silent
// no-op (both packages already tolerate nil this way).
func New(backends func(tfs.Device) (afs.Backend, error), limiter *session.DeviceLimiter, st *status.Handler) *Engine {
	return &Engine{Backends: backends, Limiter: limiter, Status: st}
}

// CheckPathDependencies runs the pre-validation pass across every
// configured pair plus, where set, each pair's own versioning root,
// before any traversal begins.
func CheckPathDependencies(pairs []Pair) []pathdep.Violation {
	pdPairs := make([]pathdep.Pair, len(pairs))
	for i, p := range pairs {
		pdPairs[i] = pathdep.Pair{Label: p.Label, Left: p.Left, Right: p.Right}
	}
	violations := pathdep.Check(pdPairs)
	for _, p := range pairs {
		if p.Versioner != nil {
			violations = append(violations, pathdep.CheckVersioningRoot(pdPairs, p.Versioner.Root)...)
		}
	}
	return violations
}

// Sync runs one full pass over p: traverse both sides, merge and classify,
// filter, resolve directions, execute, and (on success, for two-way pairs)
// persist an updated DB snapshot. It operates over two arbitrary
// abstract-filesystem roots rather than one fixed local/remote pair.
func (e *Engine) Sync(ctx context.Context, p Pair) error {
	if e.Status != nil {
		e.Status.InitPhase(0, 0, status.PhaseScanning)
	}

	leftBackend, err := e.Backends(p.Left.Device)
	if err != nil {
		return fmt.Errorf("engine: left backend: %w", err)
	}
	rightBackend, err := e.Backends(p.Right.Device)
	if err != nil {
		return fmt.Errorf("engine: right backend: %w", err)
	}

	var childMightMatch func(string) bool
	if p.Hard != nil {
		childMightMatch = p.Hard.ChildMightMatch
	}

	traverser := &walk.Traverser{Limiter: e.Limiter, Backends: e.Backends, Status: e.statusFunc()}
	results, err := traverser.Run(ctx, []walk.Key{
		{Device: p.Left.Device, Folder: p.Left.Rel, SymlinkPolicy: afs.SymlinkReport, ChildMightMatch: childMightMatch},
		{Device: p.Right.Device, Folder: p.Right.Rel, SymlinkPolicy: afs.SymlinkReport, ChildMightMatch: childMightMatch},
	})
	if err != nil {
		return fmt.Errorf("engine: traverse: %w", err)
	}
	leftResult, rightResult := results[0], results[1]

	t := compare.MergeResults(&leftResult, &rightResult)
	root := t.Root()
	relOf := func(idx int) string { return t.Path(idx) }

	if e.Status != nil {
		e.Status.InitPhase(0, 0, status.PhaseComparingContent)
	}
	pending := compare.Classify(t, root, p.Compare, nowUnix())
	if err := e.resolveContent(ctx, t, pending, p, leftBackend, rightBackend); err != nil {
		return err
	}

	if p.Hard != nil {
		p.Hard.ApplyHard(t, root, relOf)
	}
	if p.Soft != nil {
		p.Soft.Apply(t, root, timeNow())
	}

	snapshot, store, err := e.loadSnapshot(p)
	if err != nil {
		return err
	}

	switch p.Mode {
	case ModeMirror:
		resolve.ApplyFixed(t, root, resolve.Mirror())
	case ModeUpdate:
		resolve.ApplyFixed(t, root, resolve.Update())
	case ModeTwoWay:
		resolve.DetectMoves(t, root, snapshot, relOf)
		resolve.ApplyTwoWay(t, root, snapshot, relOf)
	}

	if e.Status != nil {
		e.Status.InitPhase(0, 0, status.PhaseSynchronizing)
	}
	executor := sync.New(p.SyncConfig)
	if err := executor.Run(ctx, t, root, p.Left.Device, p.Right.Device); err != nil {
		return fmt.Errorf("engine: execute: %w", err)
	}

	if store != nil {
		updated := snapshotAfterRun(t, root, relOf, snapshot.Variant)
		if err := store.Save(updated); err != nil {
			return fmt.Errorf("engine: save db: %w", err)
		}
	}
	return nil
}

// resolveContent runs the registered content comparer over every node
// Classify deferred under the content variant, applying each outcome back
// into the tree. Comparisons run one at a time and do not go through the
// device limiter. A comparison that fails marks its node with
// compare.MarkSkipped. The soft filter is applied after this step, so
// pairs it later deactivates are still compared.
func (e *Engine) resolveContent(ctx context.Context, t *dirtree.Tree, pending []int, p Pair, leftBackend, rightBackend afs.Backend) error {
	if len(pending) == 0 {
		return nil
	}
	for _, idx := range pending {
		if e.Status != nil {
			if src := e.Status.AbortIfRequested(); src != status.AbortNone {
				return fmt.Errorf("engine: aborted")
			}
		}
		rel := t.Path(idx)
		equal, err := compare.DefaultContentComparer(ctx, leftBackend, rel, rightBackend, rel)
		if err != nil {
			compare.MarkSkipped(t, idx)
			if e.Status != nil {
				e.Status.ReportWarning(fmt.Sprintf("content compare failed for %s: %v", rel, err), nil)
			}
			continue
		}
		compare.ApplyContentResults(t, idx, equal)
	}
	return nil
}

func (e *Engine) loadSnapshot(p Pair) (*db.DB, *db.Store, error) {
	if p.Mode != ModeTwoWay || p.DBPath == "" {
		return &db.DB{Entries: map[string]db.Entry{}}, nil, nil
	}
	store := db.NewStore(p.DBPath)
	snapshot, err := store.Load(p.Compare.Variant)
	if err != nil && e.Status != nil {
		e.Status.ReportWarning(fmt.Sprintf("state database unreadable, falling back to newest-wins: %v", err), nil)
	}
	return snapshot, store, nil
}

func (e *Engine) statusFunc() walk.StatusFunc {
	if e.Status == nil {
		return nil
	}
	return func(deviceKey, text string, itemsFound int) {
		e.Status.ReportStatus(fmt.Sprintf("%s: %s (%d found)", deviceKey, text, itemsFound))
		e.Status.UpdateTotal(0, 0)
	}
}

// snapshotAfterRun rebuilds a fresh DB recording every node that ended
// this run equal, becoming the baseline the next two-way run compares
// against: the DB is rewritten from the post-sync tree, not merely
// patched. Per the state DB's own invariant - an entry means both sides
// were considered equal at commit time - a node is only recorded when it
// was already CategoryEqual or was actively resolved toward the other
// side this run (DirectionToLeft/DirectionToRight, including move pairs).
// Unresolved conflicts and deliberately-left-alone mismatches (e.g.
// Update mode's right_only -> DirectionNone) must be excluded, or the next
// run would wrongly treat them as having been in sync.
func snapshotAfterRun(t *dirtree.Tree, root int, relOf func(int) string, variant db.CompareVariant) *db.DB {
	out := &db.DB{Version: db.FormatVersion, Variant: variant, Entries: map[string]db.Entry{}}
	t.Walk(root, func(idx int) {
		if idx == root {
			return
		}
		n := t.Nodes[idx]
		if !n.Left.Present && !n.Right.Present {
			return
		}
		if !endedInSync(n) {
			return
		}
		e := db.Entry{CompareVariant: variant}
		if n.Left.Type == tfs.TypeFolder || n.Right.Type == tfs.TypeFolder {
			e.IsFolder = true
			if n.Left.Present {
				e.FolderStatus = n.Left.Folder
			} else {
				e.FolderStatus = n.Right.Folder
			}
		} else if n.Left.Type == tfs.TypeSymlink || n.Right.Type == tfs.TypeSymlink {
			e.IsSymlink = true
			if n.Left.Present {
				e.LeftLink = db.SymlinkEntry{ModTime: n.Left.Symlink.ModTime}
			}
			if n.Right.Present {
				e.RightLink = db.SymlinkEntry{ModTime: n.Right.Symlink.ModTime}
			}
		} else {
			if n.Left.Present {
				e.Left = db.FileEntry{ModTime: n.Left.File.ModTime, Size: n.Left.File.Size, Fingerprint: n.Left.File.FileFingerprint}
			}
			if n.Right.Present {
				e.Right = db.FileEntry{ModTime: n.Right.File.ModTime, Size: n.Right.File.Size, Fingerprint: n.Right.File.FileFingerprint}
			}
		}
		out.Entries[relOf(idx)] = e
	})
	return out
}

// endedInSync reports whether n's post-run state should be recorded in
// the DB as "equal", per the DB-sync invariant.
func endedInSync(n *dirtree.Node) bool {
	switch {
	case n.Category == dirtree.CategoryEqual:
		return true
	case n.Direction == dirtree.DirectionToLeft || n.Direction == dirtree.DirectionToRight:
		return true
	default:
		return false
	}
}

func nowUnix() int64      { return time.Now().Unix() }
func timeNow() time.Time { return time.Now() }
