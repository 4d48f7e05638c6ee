// Package compare implements pair-and-categorize: a linear merge of two
// single-side folder trees into a paired dirtree.Tree, followed by
// classification of every matched file/symlink into a Category.
package compare

import (
	"context"
	"sort"
	"strings"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/db"
	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/walk"
)

// Variant selects how file/symlink equality is judged.
type Variant = db.CompareVariant

const (
	VariantTimeSize = db.VariantTimeSize
	VariantContent  = db.VariantContent
	VariantSize     = db.VariantSize
)

// Options configures one comparison pass.
type Options struct {
	Variant Variant
	// ToleranceSeconds is the per-pair mtime tolerance, default 2s to
	// accommodate FAT.
	ToleranceSeconds int
	// MinuteOffsets are whole-minute offsets additionally treated as
	// equivalent, to tolerate DST shifts.
	MinuteOffsets []int
}

func (o Options) tolerance() int64 {
	if o.ToleranceSeconds <= 0 {
		return 2
	}
	return int64(o.ToleranceSeconds)
}

func (o Options) timesEqual(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d <= o.tolerance() {
		return true
	}
	for _, off := range o.MinuteOffsets {
		m := int64(off) * 60
		d2 := d - m
		if d2 < 0 {
			d2 = -d2
		}
		if d2 <= o.tolerance() {
			return true
		}
	}
	return false
}

// Merge walks left and right side-by-side using a linear merge over their
// sorted children (three parallel streams: folders, files, symlinks),
// producing a paired dirtree.Tree. Folders recurse immediately;
// files/symlinks are left CategoryUncategorized for Classify.
func Merge(left, right *walk.FolderNode) *dirtree.Tree {
	t := dirtree.New()
	mergeInto(t, t.Root(), left, right)
	return t
}

// MergeResults is Merge plus propagation of per-path read failures
// recorded during traversal: any node whose own path (or an ancestor
// folder's path) appears in either side's ItemErrors/FolderErrors is
// marked conflict and deactivated — a read error on either side forces
// the pair to conflict rather than a silent left_only/right_only.
func MergeResults(left, right *walk.Result) *dirtree.Tree {
	var lRoot, rRoot *walk.FolderNode
	if left != nil {
		lRoot = left.Root
	}
	if right != nil {
		rRoot = right.Root
	}
	t := Merge(lRoot, rRoot)

	mark := func(errs map[string]error) {
		for rel := range errs {
			idx := findNode(t, rel)
			if idx == dirtree.NoIndex {
				continue
			}
			markConflict(t, idx, "read error: "+rel)
		}
	}
	if left != nil {
		mark(left.ItemErrors)
		mark(left.FolderErrors)
	}
	if right != nil {
		mark(right.ItemErrors)
		mark(right.FolderErrors)
	}
	return t
}

func markConflict(t *dirtree.Tree, idx int, msg string) {
	n := t.Nodes[idx]
	n.Category = dirtree.CategoryConflict
	n.ConflictMsg = msg
	n.Active = false
	for _, c := range n.Folders {
		markConflict(t, c, msg)
	}
	for _, c := range n.Files {
		markConflict(t, c, msg)
	}
	for _, c := range n.Symlinks {
		markConflict(t, c, msg)
	}
}

// findNode resolves a slash-separated relative path to its node index,
// walking down from the root by name. Returns dirtree.NoIndex if any
// component is absent (e.g. the error applied to an item pruned by a
// filter before it reached the tree).
func findNode(t *dirtree.Tree, rel string) int {
	if rel == "" {
		return t.Root()
	}
	idx := t.Root()
	for _, part := range strings.Split(rel, "/") {
		next := dirtree.NoIndex
		n := t.Nodes[idx]
		for _, list := range [][]int{n.Folders, n.Files, n.Symlinks} {
			for _, c := range list {
				if t.Nodes[c].Name == part {
					next = c
					break
				}
			}
			if next != dirtree.NoIndex {
				break
			}
		}
		if next == dirtree.NoIndex {
			return dirtree.NoIndex
		}
		idx = next
	}
	return idx
}

func mergeInto(t *dirtree.Tree, parent int, left, right *walk.FolderNode) {
	mergeFolders(t, parent, left, right)
	mergeLeaves(t, parent, left, right, false)
	mergeLeaves(t, parent, left, right, true)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// byFold groups keys by lowercased, Unicode-NFC-normalized form so
// case-only variants on the two sides still pair up, and so a name
// reported in decomposed form by one backend (e.g. HFS+) still pairs
// with its precomposed counterpart on the other.
func byFold(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[strings.ToLower(tfs.NormalizeName(k))] = k
	}
	return out
}

func mergeFolders(t *dirtree.Tree, parent int, left, right *walk.FolderNode) {
	var lFolders, rFolders map[string]*walk.FolderNode
	if left != nil {
		lFolders = left.Folders
	}
	if right != nil {
		rFolders = right.Folders
	}
	lNames := byFold(sortedKeys(lFolders))
	rNames := byFold(sortedKeys(rFolders))

	all := map[string]bool{}
	for k := range lNames {
		all[k] = true
	}
	for k := range rNames {
		all[k] = true
	}
	folds := make([]string, 0, len(all))
	for k := range all {
		folds = append(folds, k)
	}
	sort.Strings(folds)

	for _, fold := range folds {
		lName, lOK := lNames[fold]
		rName, rOK := rNames[fold]
		name := lName
		if !lOK {
			name = rName
		}
		idx := t.NewNode(parent, name)
		n := t.Nodes[idx]
		var lSub, rSub *walk.FolderNode
		if lOK {
			n.Left = dirtree.Side{Present: true, Type: tfs.TypeFolder, Folder: tfs.FolderReal}
			lSub = lFolders[lName]
			if lName != name {
				n.LeftName = lName
			}
		}
		if rOK {
			n.Right = dirtree.Side{Present: true, Type: tfs.TypeFolder, Folder: tfs.FolderReal}
			rSub = rFolders[rName]
			if rName != name {
				n.RightName = rName
			}
		}
		setFolderCategory(n, lOK, rOK, lName, rName)
		t.Nodes[parent].Folders = append(t.Nodes[parent].Folders, idx)
		mergeInto(t, idx, lSub, rSub)
	}
}

func setFolderCategory(n *dirtree.Node, lOK, rOK bool, lName, rName string) {
	switch {
	case lOK && !rOK:
		n.Category = dirtree.CategoryLeftOnly
	case rOK && !lOK:
		n.Category = dirtree.CategoryRightOnly
	case lName != rName:
		n.Category = dirtree.CategoryDifferentMetadata
		n.ConflictMsg = "names differ only in case: " + lName + " / " + rName
	default:
		n.Category = dirtree.CategoryEqual
	}
}

// mergeLeaves handles either the files stream (symlink=false) or the
// symlinks stream (symlink=true), as its own parallel pass.
func mergeLeaves(t *dirtree.Tree, parent int, left, right *walk.FolderNode, symlink bool) {
	var lFileNames, rFileNames map[string]string // fold -> actual
	var lFileAttrs func(name string) tfs.FileAttrs
	var rFileAttrs func(name string) tfs.FileAttrs
	var lLinkAttrs func(name string) tfs.SymlinkAttrs
	var rLinkAttrs func(name string) tfs.SymlinkAttrs

	if !symlink {
		var lm, rm map[string]tfs.FileAttrs
		if left != nil {
			lm = left.Files
		}
		if right != nil {
			rm = right.Files
		}
		lFileNames = byFold(sortedKeys(lm))
		rFileNames = byFold(sortedKeys(rm))
		lFileAttrs = func(name string) tfs.FileAttrs { return lm[name] }
		rFileAttrs = func(name string) tfs.FileAttrs { return rm[name] }
	} else {
		var lm, rm map[string]tfs.SymlinkAttrs
		if left != nil {
			lm = left.Symlinks
		}
		if right != nil {
			rm = right.Symlinks
		}
		lFileNames = byFold(sortedKeys(lm))
		rFileNames = byFold(sortedKeys(rm))
		lLinkAttrs = func(name string) tfs.SymlinkAttrs { return lm[name] }
		rLinkAttrs = func(name string) tfs.SymlinkAttrs { return rm[name] }
	}

	all := map[string]bool{}
	for k := range lFileNames {
		all[k] = true
	}
	for k := range rFileNames {
		all[k] = true
	}
	folds := make([]string, 0, len(all))
	for k := range all {
		folds = append(folds, k)
	}
	sort.Strings(folds)

	for _, fold := range folds {
		lName, lOK := lFileNames[fold]
		rName, rOK := rFileNames[fold]
		name := lName
		if !lOK {
			name = rName
		}
		idx := t.NewNode(parent, name)
		n := t.Nodes[idx]
		itemType := tfs.TypeFile
		if symlink {
			itemType = tfs.TypeSymlink
		}
		if lOK {
			if symlink {
				n.Left = dirtree.Side{Present: true, Type: itemType, Symlink: lLinkAttrs(lName)}
			} else {
				n.Left = dirtree.Side{Present: true, Type: itemType, File: lFileAttrs(lName)}
			}
			if lName != name {
				n.LeftName = lName
			}
		}
		if rOK {
			if symlink {
				n.Right = dirtree.Side{Present: true, Type: itemType, Symlink: rLinkAttrs(rName)}
			} else {
				n.Right = dirtree.Side{Present: true, Type: itemType, File: rFileAttrs(rName)}
			}
			if rName != name {
				n.RightName = rName
			}
		}
		switch {
		case lOK && !rOK:
			n.Category = dirtree.CategoryLeftOnly
		case rOK && !lOK:
			n.Category = dirtree.CategoryRightOnly
		default:
			n.Category = dirtree.CategoryUncategorized
		}
		if symlink {
			t.Nodes[parent].Symlinks = append(t.Nodes[parent].Symlinks, idx)
		} else {
			t.Nodes[parent].Files = append(t.Nodes[parent].Files, idx)
		}
	}
}

const yearSeconds = 365 * 24 * 3600

// ContentComparer byte-compares the same-named file on both sides,
// returning true iff every byte matches. The executor supplies the backend
// lookups so compare stays backend-agnostic.
type ContentComparer func(ctx context.Context, leftBackend afs.Backend, leftRel string, rightBackend afs.Backend, rightRel string) (bool, error)

// Classify walks every uncategorized file/symlink node and assigns its
// Category per opts.Variant. For VariantContent, equal-sized pairs are
// returned in the `pending` slice for the caller to byte-compare.
func Classify(t *dirtree.Tree, idx int, opts Options, now int64) (pending []int) {
	n := t.Nodes[idx]
	for _, c := range n.Files {
		classifyLeaf(t, c, opts, now, false, &pending)
	}
	for _, c := range n.Symlinks {
		classifyLeaf(t, c, opts, now, true, &pending)
	}
	for _, c := range n.Folders {
		pending = append(pending, Classify(t, c, opts, now)...)
	}
	return pending
}

func classifyLeaf(t *dirtree.Tree, idx int, opts Options, now int64, symlink bool, pending *[]int) {
	n := t.Nodes[idx]
	if n.Category != dirtree.CategoryUncategorized {
		return
	}
	if !n.Left.Present || !n.Right.Present {
		return // left_only/right_only already set by the merge step
	}

	if n.LeftName != "" || n.RightName != "" {
		// A name that differs only in case is categorized
		// different_metadata when the content agrees (same size, or same
		// symlink target); otherwise the variant rules below apply.
		if contentAgrees(n, symlink, opts) {
			n.Category = dirtree.CategoryDifferentMetadata
			n.ConflictMsg = "names differ only in case"
			return
		}
	}

	lt, rt := leafTime(n, symlink)
	if invalidDate(lt, now) || invalidDate(rt, now) {
		n.Category = dirtree.CategoryInvalidDate
		return
	}

	switch opts.Variant {
	case VariantSize:
		if symlink {
			n.Category = dirtree.CategoryEqual
			return
		}
		if n.Left.File.Size == n.Right.File.Size {
			n.Category = dirtree.CategoryEqual
		} else {
			n.Category = dirtree.CategoryDifferentContent
		}
	case VariantContent:
		if symlink {
			if n.Left.Symlink.Target == n.Right.Symlink.Target {
				n.Category = dirtree.CategoryEqual
			} else {
				n.Category = dirtree.CategoryDifferentContent
			}
			return
		}
		if n.Left.File.Size != n.Right.File.Size {
			n.Category = dirtree.CategoryDifferentContent
			return
		}
		*pending = append(*pending, idx)
	default: // VariantTimeSize
		if symlink {
			if opts.timesEqual(lt, rt) {
				n.Category = dirtree.CategoryEqual
			} else if lt > rt {
				n.Category = dirtree.CategoryLeftNewer
			} else {
				n.Category = dirtree.CategoryRightNewer
			}
			return
		}
		sizeEqual := n.Left.File.Size == n.Right.File.Size
		timeEqual := opts.timesEqual(lt, rt)
		switch {
		case timeEqual && sizeEqual:
			n.Category = dirtree.CategoryEqual
		case timeEqual && !sizeEqual:
			n.Category = dirtree.CategoryConflict
			n.ConflictMsg = "mtimes match but sizes differ"
		case lt > rt:
			n.Category = dirtree.CategoryLeftNewer
		default:
			n.Category = dirtree.CategoryRightNewer
		}
	}
}

func contentAgrees(n *dirtree.Node, symlink bool, opts Options) bool {
	if symlink {
		return n.Left.Symlink.Target == n.Right.Symlink.Target
	}
	return n.Left.File.Size == n.Right.File.Size
}

func leafTime(n *dirtree.Node, symlink bool) (int64, int64) {
	if symlink {
		return n.Left.Symlink.ModTime, n.Right.Symlink.ModTime
	}
	return n.Left.File.ModTime, n.Right.File.ModTime
}

func invalidDate(t, now int64) bool {
	return t < 0 || t > now+yearSeconds
}

// ApplyContentResults finishes VariantContent classification for the
// pending indices using results produced by a ContentComparer, called
// outside Classify so the caller can parallelize the comparisons.
func ApplyContentResults(t *dirtree.Tree, idx int, equal bool) {
	n := t.Nodes[idx]
	if equal {
		n.Category = dirtree.CategoryEqual
	} else {
		n.Category = dirtree.CategoryDifferentContent
	}
}

// MarkSkipped marks idx as a deactivated conflict whose content
// comparison produced no result ("skipped content comparison").
func MarkSkipped(t *dirtree.Tree, idx int) {
	n := t.Nodes[idx]
	n.Category = dirtree.CategoryConflict
	n.ConflictMsg = "skipped content comparison"
	n.Active = false
}

const compareBlockSize = 256 * 1024

// DefaultContentComparer streams both files block-wise and compares bytes
// directly, stopping at the first mismatch. It never buffers a whole file,
// so content-variant comparison scales to arbitrarily large pairs.
func DefaultContentComparer(ctx context.Context, leftBackend afs.Backend, leftRel string, rightBackend afs.Backend, rightRel string) (bool, error) {
	lr, err := leftBackend.OpenInput(ctx, leftRel)
	if err != nil {
		return false, err
	}
	defer lr.Close()
	rr, err := rightBackend.OpenInput(ctx, rightRel)
	if err != nil {
		return false, err
	}
	defer rr.Close()

	lbuf := make([]byte, compareBlockSize)
	rbuf := make([]byte, compareBlockSize)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		ln, lerr := readFull(lr, lbuf)
		rn, rerr := readFull(rr, rbuf)
		if ln != rn || !bytesEqual(lbuf[:ln], rbuf[:rn]) {
			return false, nil
		}
		lDone, rDone := lerr != nil, rerr != nil
		if lDone != rDone {
			return false, nil
		}
		if lDone {
			if !isEOFErr(lerr) {
				return false, lerr
			}
			if !isEOFErr(rerr) {
				return false, rerr
			}
			return true, nil
		}
	}
}

func readFull(r afs.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.TryRead(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func isEOFErr(err error) bool { return err != nil && err.Error() == "EOF" }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
