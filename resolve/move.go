package resolve

import (
	"github.com/twinsync/twinsync/db"
	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
)

// moveTolerance applies to move detection's own mtime comparison; it never
// receives the DST whole-minute leeway applied elsewhere — the tolerance
// here is a fixed 2 seconds, with no minute-offset exception.
const moveTolerance = 2

func movesTimesEqual(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= moveTolerance
}

// candidate is one left_only or right_only leaf eligible to participate in
// move pairing.
type candidate struct {
	idx  int
	rel  string
	size uint64
	mt   int64
	fp   string
}

// DetectMoves pairs left_only file nodes with right_only file nodes that
// are actually the same file under a new name/location, so the executor
// issues a MoveAndRename instead of a delete+copy. Folders and symlinks
// never participate. Pairing is first attempted via the state database
// (the DB path each side's fingerprint was last recorded under); when the
// DB has no fingerprint for a candidate, same-size-and-mtime pairing is
// used as a fallback. Any fingerprint or size/mtime key matching more than
// one candidate on either side is dropped entirely rather than guessed
// at: ambiguous matches cancel, they are never guessed.
func DetectMoves(t *dirtree.Tree, root int, snapshot *db.DB, relOf func(idx int) string) {
	var leftOnly, rightOnly []candidate
	t.Walk(root, func(i int) {
		n := t.Nodes[i]
		if n.Category != dirtree.CategoryLeftOnly && n.Category != dirtree.CategoryRightOnly {
			return
		}
		rel := relOf(i)
		switch n.Category {
		case dirtree.CategoryLeftOnly:
			if n.Left.Present && n.Left.Type == tfs.TypeFile {
				leftOnly = append(leftOnly, candidate{i, rel, n.Left.File.Size, n.Left.File.ModTime, fingerprintFor(snapshot, rel, true)})
			}
		case dirtree.CategoryRightOnly:
			if n.Right.Present && n.Right.Type == tfs.TypeFile {
				rightOnly = append(rightOnly, candidate{i, rel, n.Right.File.Size, n.Right.File.ModTime, fingerprintFor(snapshot, rel, false)})
			}
		}
	})

	if len(leftOnly) == 0 || len(rightOnly) == 0 {
		return
	}

	pairs := pairByFingerprint(leftOnly, rightOnly)
	remainingLeft, remainingRight := subtract(leftOnly, rightOnly, pairs)
	pairs = append(pairs, pairBySizeAndTime(remainingLeft, remainingRight)...)

	for _, p := range pairs {
		l := t.Nodes[p.left]
		r := t.Nodes[p.right]
		l.MovePartner = p.right
		r.MovePartner = p.left
		dir := moveDirection(l.Left.File.ModTime, r.Right.File.ModTime)
		l.Direction = dir
		r.Direction = dir
	}
}

// moveDirection picks which side replays the rename, the same way
// ApplyTwoWay picks a winner between a left_newer/right_newer pair: the
// more recently modified side is treated as reflecting the rename that
// actually happened, and is replayed onto the other, older side. Within
// moveTolerance the two are indistinguishable, so there is no sided signal
// to prefer one name over the other; default to ToRight, the same
// direction Mirror uses when it can't do better than "make right match
// left".
func moveDirection(leftModTime, rightModTime int64) dirtree.Direction {
	if movesTimesEqual(leftModTime, rightModTime) {
		return dirtree.DirectionToRight
	}
	if rightModTime > leftModTime {
		return dirtree.DirectionToLeft
	}
	return dirtree.DirectionToRight
}

type pair struct{ left, right int }

func fingerprintFor(snapshot *db.DB, rel string, leftSide bool) string {
	if snapshot == nil {
		return ""
	}
	e, ok := snapshot.Entries[rel]
	if !ok || e.IsFolder || e.IsSymlink {
		return ""
	}
	if leftSide {
		return e.Left.Fingerprint
	}
	return e.Right.Fingerprint
}

// pairByFingerprint matches candidates whose DB fingerprint is identical
// and unique on both sides.
func pairByFingerprint(left, right []candidate) []pair {
	leftByFP := map[string][]candidate{}
	for _, c := range left {
		if c.fp == "" {
			continue
		}
		leftByFP[c.fp] = append(leftByFP[c.fp], c)
	}
	rightByFP := map[string][]candidate{}
	for _, c := range right {
		if c.fp == "" {
			continue
		}
		rightByFP[c.fp] = append(rightByFP[c.fp], c)
	}

	var pairs []pair
	for fp, ls := range leftByFP {
		rs, ok := rightByFP[fp]
		if !ok || len(ls) != 1 || len(rs) != 1 {
			continue // ambiguous (or one-sided): cancel rather than guess
		}
		pairs = append(pairs, pair{ls[0].idx, rs[0].idx})
	}
	return pairs
}

// pairBySizeAndTime is the fingerprint-unavailable fallback: match on
// (size, mtime) uniqueness. Bucketing is by size alone; mtime is compared
// with movesTimesEqual's tolerance within a bucket, since bucketing on
// the raw mtime value too
// would make the tolerance meaningless (two mtimes 1 second apart would
// simply land in different buckets and never be compared).
func pairBySizeAndTime(left, right []candidate) []pair {
	leftBy := map[uint64][]candidate{}
	for _, c := range left {
		leftBy[c.size] = append(leftBy[c.size], c)
	}
	rightBy := map[uint64][]candidate{}
	for _, c := range right {
		rightBy[c.size] = append(rightBy[c.size], c)
	}

	var pairs []pair
	seenLeft := map[int]bool{}
	seenRight := map[int]bool{}
	for size, ls := range leftBy {
		rs, ok := rightBy[size]
		if !ok {
			continue
		}
		// Within a same-size bucket, require a unique tolerance-based mtime
		// match on both sides; any collision from two same-size files
		// cancels the bucket rather than guessing.
		var matchedL, matchedR []candidate
		for _, l := range ls {
			for _, r := range rs {
				if movesTimesEqual(l.mt, r.mt) {
					matchedL = append(matchedL, l)
					matchedR = append(matchedR, r)
				}
			}
		}
		if len(matchedL) != 1 || len(matchedR) != 1 {
			continue
		}
		l, r := matchedL[0], matchedR[0]
		if seenLeft[l.idx] || seenRight[r.idx] {
			continue
		}
		seenLeft[l.idx] = true
		seenRight[r.idx] = true
		pairs = append(pairs, pair{l.idx, r.idx})
	}
	return pairs
}

func subtract(left, right []candidate, used []pair) (remLeft, remRight []candidate) {
	usedL := map[int]bool{}
	usedR := map[int]bool{}
	for _, p := range used {
		usedL[p.left] = true
		usedR[p.right] = true
	}
	for _, c := range left {
		if !usedL[c.idx] {
			remLeft = append(remLeft, c)
		}
	}
	for _, c := range right {
		if !usedR[c.idx] {
			remRight = append(remRight, c)
		}
	}
	return
}
