// Package pathdep implements the path-dependency pre-check: before any
// traversal begins, detect when one configured folder pair's root is
// nested inside (or identical to) another's, since running both
// concurrently would race on the same underlying tree.
package pathdep

import (
	"fmt"
	"strings"

	tfs "github.com/twinsync/twinsync/fs"
)

// Pair is one configured sync pair's two folder roots.
type Pair struct {
	Label       string // display name for warnings/errors, e.g. "pair 1"
	Left, Right tfs.Path
}

// Violation describes one detected containment between two folder roots,
// from any two pairs (including the same pair's own left/right, and a
// pair's root against the versioning root).
type Violation struct {
	OuterLabel, InnerLabel string
	Outer, Inner           tfs.Path
}

func (v Violation) String() string {
	return fmt.Sprintf("%q (%s) contains %q (%s)", v.Outer.DisplayPath(), v.OuterLabel, v.Inner.DisplayPath(), v.InnerLabel)
}

// Contains reports whether inner is the same path as outer, or nested
// under it on the same device.
func Contains(outer, inner tfs.Path) bool {
	if !outer.Device.Equal(inner.Device) {
		return false
	}
	if outer.Rel == inner.Rel {
		return true
	}
	if outer.Rel == "" {
		return true // device root contains everything on that device
	}
	return strings.HasPrefix(inner.Rel, outer.Rel+tfs.Sep)
}

// Check compares every distinct ordered pair of roots drawn from pairs
// (each pair contributing its Left and Right) and returns every
// containment found. A pair's own Left/Right are compared too, since a
// folder nested inside its own sync partner is just as hazardous.
func Check(pairs []Pair) []Violation {
	type root struct {
		label string
		path  tfs.Path
	}
	var roots []root
	for _, p := range pairs {
		roots = append(roots, root{p.Label + " (left)", p.Left}, root{p.Label + " (right)", p.Right})
	}

	var violations []Violation
	for i, a := range roots {
		for j, b := range roots {
			if i == j {
				continue
			}
			if Contains(a.path, b.path) {
				violations = append(violations, Violation{OuterLabel: a.label, Outer: a.path, InnerLabel: b.label, Inner: b.path})
			}
		}
	}
	return violations
}

// CheckVersioningRoot additionally verifies that a configured versioning
// root is not itself contained in (or identical to) any pair's folders:
// items are never diverted into a versioning folder that is itself
// inside a synced tree.
func CheckVersioningRoot(pairs []Pair, versioningRoot tfs.Path) []Violation {
	var violations []Violation
	for _, p := range pairs {
		if Contains(p.Left, versioningRoot) {
			violations = append(violations, Violation{OuterLabel: p.Label + " (left)", Outer: p.Left, InnerLabel: "versioning root", Inner: versioningRoot})
		}
		if Contains(p.Right, versioningRoot) {
			violations = append(violations, Violation{OuterLabel: p.Label + " (right)", Outer: p.Right, InnerLabel: "versioning root", Inner: versioningRoot})
		}
	}
	return violations
}
