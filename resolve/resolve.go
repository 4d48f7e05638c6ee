// Package resolve implements direction resolution: turning a
// dirtree.Tree's categories into per-node sync directions, either from a
// fixed policy table or, for two-way mode, by consulting the state
// database for what changed since the last run.
package resolve

import (
	"strings"

	"github.com/twinsync/twinsync/db"
	"github.com/twinsync/twinsync/dirtree"
)

// Policy is a fixed-direction table: one Direction per Category, used by
// mirror/update/custom variants.
type Policy map[dirtree.Category]dirtree.Direction

// Mirror always makes the right side look like the left.
func Mirror() Policy {
	return Policy{
		dirtree.CategoryLeftOnly:          dirtree.DirectionToRight,
		dirtree.CategoryRightOnly:         dirtree.DirectionToRight,
		dirtree.CategoryLeftNewer:         dirtree.DirectionToRight,
		dirtree.CategoryRightNewer:        dirtree.DirectionToRight,
		dirtree.CategoryDifferentContent:  dirtree.DirectionToRight,
		dirtree.CategoryDifferentMetadata: dirtree.DirectionToRight,
		dirtree.CategoryConflict:          dirtree.DirectionToRight,
		dirtree.CategoryInvalidDate:       dirtree.DirectionToRight,
	}
}

// preferNewer is the two-way DB-miss/DB-corrupt fallback policy: unlike
// Mirror (which always makes right match left), it propagates a one-sided
// item toward whichever side lacks it and a newer/older pair toward the
// newer side. Categories with no time signal at the category level
// (content differs but mtimes were never compared, or the mtimes already
// disagree or are invalid) are left as an unresolved conflict rather than
// guessed.
func preferNewer() Policy {
	return Policy{
		dirtree.CategoryLeftOnly:          dirtree.DirectionToRight,
		dirtree.CategoryRightOnly:         dirtree.DirectionToLeft,
		dirtree.CategoryLeftNewer:         dirtree.DirectionToRight,
		dirtree.CategoryRightNewer:        dirtree.DirectionToLeft,
		dirtree.CategoryDifferentContent:  dirtree.DirectionUnresolvedConflict,
		dirtree.CategoryDifferentMetadata: dirtree.DirectionToRight,
		dirtree.CategoryConflict:          dirtree.DirectionUnresolvedConflict,
		dirtree.CategoryInvalidDate:       dirtree.DirectionUnresolvedConflict,
	}
}

// Update propagates newer/missing items left-to-right only, never deletes,
// and leaves conflicts unresolved.
func Update() Policy {
	return Policy{
		dirtree.CategoryLeftOnly:          dirtree.DirectionToRight,
		dirtree.CategoryRightOnly:         dirtree.DirectionNone,
		dirtree.CategoryLeftNewer:         dirtree.DirectionToRight,
		dirtree.CategoryRightNewer:        dirtree.DirectionNone,
		dirtree.CategoryDifferentContent:  dirtree.DirectionToRight,
		dirtree.CategoryDifferentMetadata: dirtree.DirectionToRight,
		dirtree.CategoryConflict:          dirtree.DirectionUnresolvedConflict,
		dirtree.CategoryInvalidDate:       dirtree.DirectionUnresolvedConflict,
	}
}

// ApplyFixed assigns n.Direction from p for every node under idx whose
// Category has no existing move-partner resolution (two-way's move
// detection runs first and takes precedence).
func ApplyFixed(t *dirtree.Tree, idx int, p Policy) {
	t.Walk(idx, func(i int) {
		n := t.Nodes[i]
		if n.Category == dirtree.CategoryEqual || n.Category == dirtree.CategoryUncategorized {
			n.Direction = dirtree.DirectionNone
			return
		}
		if isMoveSourceOrTarget(n) {
			return
		}
		if dir, ok := p[n.Category]; ok {
			n.Direction = dir
		} else {
			n.Direction = dirtree.DirectionNone
		}
	})
}

// twoWayTolerance is independent of the user's configured compare
// tolerance: two-way's own DB-comparison tolerance is always 2 seconds,
// never the user-configured value.
const twoWayTolerance = 2

func timesEqual(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= twoWayTolerance
}

// entryMatchesSide reports whether a DB-recorded entry's side still
// matches the side currently observed in the tree, i.e. nothing changed
// there since the DB was written.
func entryMatchesSide(n *dirtree.Node, e db.Entry, leftSide bool) bool {
	if n.Category == dirtree.CategoryLeftOnly && leftSide {
		return false // didn't exist before, exists now: this side changed
	}
	if n.Category == dirtree.CategoryRightOnly && !leftSide {
		return false
	}
	side := n.Left
	fileEntry := e.Left
	linkEntry := e.LeftLink
	if !leftSide {
		side = n.Right
		fileEntry = e.Right
		linkEntry = e.RightLink
	}
	if !side.Present {
		return false // existed before (per DB), absent now: this side changed
	}
	if e.IsSymlink {
		return timesEqual(side.Symlink.ModTime, linkEntry.ModTime)
	}
	return timesEqual(side.File.ModTime, fileEntry.ModTime) && side.File.Size == fileEntry.Size
}

// ApplyTwoWay resolves directions using the last-known-in-sync DB,
// distinguishing which side changed since the snapshot was taken:
//   - only left changed  -> propagate left to right
//   - only right changed -> propagate right to left
//   - both changed       -> conflict
//   - neither changed but categories disagree -> conflict (DB says they
//     were equal; reality says otherwise, e.g. a foreign tool touched a
//     file without changing its mtime)
//   - no DB entry at all (first run, or item didn't exist then) falls back
//     to a "prefer newer" policy: a newly created item goes to whichever
//     side lacks it, and a newer/older pair goes toward the newer side.
func ApplyTwoWay(t *dirtree.Tree, idx int, snapshot *db.DB, relOf func(idx int) string) {
	fallback := preferNewer()
	t.Walk(idx, func(i int) {
		n := t.Nodes[i]
		if n.Category == dirtree.CategoryEqual || n.Category == dirtree.CategoryUncategorized {
			n.Direction = dirtree.DirectionNone
			return
		}
		if isMoveSourceOrTarget(n) {
			return // move detection already set Direction for this node
		}
		rel := relOf(i)
		// Exception B: an abandoned temp file from an interrupted run is
		// scheduled for deletion unconditionally, regardless of what the DB
		// says, since it was never a legitimate synced item.
		if isOrphanTempName(rel) {
			switch n.Category {
			case dirtree.CategoryLeftOnly:
				n.Direction = dirtree.DirectionToLeft
				return
			case dirtree.CategoryRightOnly:
				n.Direction = dirtree.DirectionToRight
				return
			}
		}
		entry, ok := snapshot.Entries[rel]
		if !ok {
			resolveFromFallback(n, fallback)
			return
		}

		leftChanged := !entryMatchesSide(n, entry, true)
		rightChanged := !entryMatchesSide(n, entry, false)

		switch {
		case leftChanged && !rightChanged:
			n.Direction = dirtree.DirectionToRight
		case rightChanged && !leftChanged:
			n.Direction = dirtree.DirectionToLeft
		case leftChanged && rightChanged:
			n.Direction = dirtree.DirectionUnresolvedConflict
			if n.ConflictMsg == "" {
				n.ConflictMsg = "changed on both sides since last sync"
			}
		default:
			// DB says they matched; current comparison disagrees. A stray
			// temp-suffixed name present on both sides (unusual, but
			// possible after a race between two runs) is left alone rather
			// than guessed at, since deletion needs a single clear side.
			if isOrphanTempName(rel) {
				n.Direction = dirtree.DirectionNone
				return
			}
			n.Direction = dirtree.DirectionUnresolvedConflict
			if n.ConflictMsg == "" {
				n.ConflictMsg = "database out of sync with observed state"
			}
		}
	})
}

func isMoveSourceOrTarget(n *dirtree.Node) bool {
	return n.MovePartner != dirtree.NoIndex
}

func resolveFromFallback(n *dirtree.Node, fallback Policy) {
	if dir, ok := fallback[n.Category]; ok {
		n.Direction = dir
		return
	}
	n.Direction = dirtree.DirectionNone
}

const tempSuffix = ".tsync_tmp"

func isOrphanTempName(rel string) bool {
	return strings.HasSuffix(rel, tempSuffix)
}
