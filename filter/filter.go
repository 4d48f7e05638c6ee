// Package filter implements the hard/soft filter contract: include/exclude
// path patterns pruned during traversal, and a time-span/size-range soft
// filter that only toggles a pair's active flag.
package filter

import (
	"path"
	"strings"
	"time"

	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
)

// HardFilter holds include/exclude glob pattern lists. Patterns use the
// shell-glob syntax of path.Match (`*`, `?`, `[...]`) applied against the
// slash-separated relative path.
type HardFilter struct {
	Include []string
	Exclude []string
}

// NewHardFilter builds a filter; an empty Include list means "include
// everything not excluded".
func NewHardFilter(include, exclude []string) *HardFilter {
	return &HardFilter{Include: include, Exclude: exclude}
}

// Matches reports whether rel itself passes the filter.
func (f *HardFilter) Matches(rel string) bool {
	if matchAny(f.Exclude, rel) {
		return false
	}
	if len(f.Include) == 0 {
		return true
	}
	return matchAny(f.Include, rel)
}

// ChildMightMatch is the traversal-time pruning hint: true if rel, or
// anything nested under it, could still pass Matches. A
// conservative false positive just means a subtree is enumerated and
// later dropped by ApplyHard; a false negative would illegally hide
// real matches, so exclusion only prunes based on exact directory
// excludes (not deeper wildcard exclude patterns, which might exempt a
// specific descendant via a later include).
func (f *HardFilter) ChildMightMatch(rel string) bool {
	for _, pat := range f.Exclude {
		if isDirPrefixPattern(pat) && matchOne(pat, rel) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, pat := range f.Include {
		if prefixCouldMatch(pat, rel) {
			return true
		}
	}
	return false
}

// isDirPrefixPattern reports whether pat ends in "/*" or "/**" or contains
// no wildcard at all, i.e. it targets a whole subtree (or one literal
// path and everything below it) rather than a wildcard leaf, so it is safe to
// use for pruning (no later include pattern could reach inside it, since
// the exclude is unconditional for this filter design).
func isDirPrefixPattern(pat string) bool {
	return strings.HasSuffix(pat, "/*") || strings.HasSuffix(pat, "/**") || !strings.ContainsAny(pat, "*?[")
}

// prefixCouldMatch reports whether pat could still match something at or
// below rel, by comparing pat's literal prefix (up to its first wildcard)
// against rel.
func prefixCouldMatch(pat, rel string) bool {
	lit := pat
	if idx := strings.IndexAny(pat, "*?["); idx >= 0 {
		lit = pat[:idx]
	}
	lit = strings.TrimSuffix(lit, "/")
	if lit == "" {
		return true
	}
	if len(rel) <= len(lit) {
		return strings.HasPrefix(lit, rel)
	}
	return strings.HasPrefix(rel, lit)
}

func matchAny(pats []string, rel string) bool {
	for _, p := range pats {
		if matchOne(p, rel) {
			return true
		}
	}
	return false
}

func matchOne(pat, rel string) bool {
	if ok, _ := path.Match(pat, rel); ok {
		return true
	}
	// A directory-style exclude also matches every descendant.
	prefix := strings.TrimSuffix(pat, "/**")
	prefix = strings.TrimSuffix(prefix, "/*")
	if prefix != pat && (rel == prefix || strings.HasPrefix(rel, prefix+"/")) {
		return true
	}
	return false
}

// ApplyHard prunes (deactivates) every node under idx whose path fails
// Matches. Applied a second time after merge, since traversal-time
// pruning via ChildMightMatch is only a performance hint
// and may conservatively over-include.
func (f *HardFilter) ApplyHard(t *dirtree.Tree, idx int, relOf func(int) string) {
	t.Walk(idx, func(i int) {
		if !f.Matches(relOf(i)) {
			n := t.Nodes[i]
			n.Active = false
		}
	})
}

// SizeUnit mirrors the soft filter's configurable size granularity.
type SizeUnit int

const (
	UnitBytes SizeUnit = iota
	UnitKiB
	UnitMiB
)

func (u SizeUnit) bytes(n uint64) uint64 {
	switch u {
	case UnitKiB:
		return n * 1024
	case UnitMiB:
		return n * 1024 * 1024
	default:
		return n
	}
}

// TimeSpan selects a soft time-range filter kind.
type TimeSpan int

const (
	SpanNone TimeSpan = iota
	SpanToday
	SpanThisMonth
	SpanThisYear
	SpanLastNDays
)

// SoftFilter only toggles Active; it never removes a pair.
type SoftFilter struct {
	Span    TimeSpan
	LastN   int // used when Span == SpanLastNDays
	MinSize uint64
	MaxSize uint64 // 0 means unbounded
	Unit    SizeUnit
}

func (s SoftFilter) spanMatches(modTime int64, now time.Time) bool {
	t := time.Unix(modTime, 0)
	switch s.Span {
	case SpanNone:
		return true
	case SpanToday:
		y1, m1, d1 := now.Date()
		y2, m2, d2 := t.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case SpanThisMonth:
		y1, m1, _ := now.Date()
		y2, m2, _ := t.Date()
		return y1 == y2 && m1 == m2
	case SpanThisYear:
		return now.Year() == t.Year()
	case SpanLastNDays:
		cutoff := now.AddDate(0, 0, -s.LastN)
		return !t.Before(cutoff)
	default:
		return true
	}
}

func (s SoftFilter) sizeMatches(size uint64) bool {
	min := s.Unit.bytes(s.MinSize)
	if size < min {
		return false
	}
	if s.MaxSize == 0 {
		return true
	}
	max := s.Unit.bytes(s.MaxSize)
	return size <= max
}

func isFolderNode(n *dirtree.Node) bool {
	if n.Left.Present {
		return n.Left.Type == tfs.TypeFolder
	}
	if n.Right.Present {
		return n.Right.Type == tfs.TypeFolder
	}
	return false
}

func (s SoftFilter) matchSide(side dirtree.Side, now time.Time) bool {
	if !side.Present {
		return false
	}
	if side.Type == tfs.TypeSymlink {
		return s.spanMatches(side.Symlink.ModTime, now)
	}
	return s.spanMatches(side.File.ModTime, now) && s.sizeMatches(side.File.Size)
}

// Apply sets Active on every node under idx per an OR-across-sides rule:
// a pair with both sides present passes if either side matches; a
// one-sided pair passes based on the side that exists. Folders are never
// deactivated by the soft filter themselves (only their leaves are, at
// leaf-level granularity); a folder's Active flag is left as-is so
// empty-after-filtering folders are handled by the executor, not by the
// filter.
func (s SoftFilter) Apply(t *dirtree.Tree, idx int, now time.Time) {
	t.Walk(idx, func(i int) {
		n := t.Nodes[i]
		if isFolderNode(n) || (!n.Left.Present && !n.Right.Present) {
			return
		}
		matched := false
		if n.Left.Present && n.Right.Present {
			matched = s.matchSide(n.Left, now) || s.matchSide(n.Right, now)
		} else if n.Left.Present {
			matched = s.matchSide(n.Left, now)
		} else if n.Right.Present {
			matched = s.matchSide(n.Right, now)
		}
		if !matched {
			n.Active = false
		}
	})
}
