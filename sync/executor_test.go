package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/afs/local"
	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
)

func backendsFor(leftRoot, rightRoot string) func(tfs.Device) (afs.Backend, error) {
	return func(d tfs.Device) (afs.Backend, error) {
		if d.Root == leftRoot {
			return local.New(leftRoot), nil
		}
		return local.New(rightRoot), nil
	}
}

func leafNode(tr *dirtree.Tree, root int, name string, category dirtree.Category, direction dirtree.Direction) int {
	idx := tr.NewNode(root, name)
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Category = category
	n.Direction = direction
	return idx
}

func TestExecutorCopiesLeftOnlyFileToRight(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "new.txt"), []byte("hello"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	idx := leafNode(tr, root, "new.txt", dirtree.CategoryLeftOnly, dirtree.DirectionToRight)
	tr.Nodes[idx].Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5}}

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	data, err := os.ReadFile(filepath.Join(rightRoot, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExecutorDeletesRightOnlyWhenMirroredToRight(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "stale.txt"), []byte("x"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	idx := leafNode(tr, root, "stale.txt", dirtree.CategoryRightOnly, dirtree.DirectionToRight)
	tr.Nodes[idx].Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 1}}

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	_, err := os.Stat(filepath.Join(rightRoot, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecutorSkipsInactiveAndUnresolvedNodes(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "skip.txt"), []byte("x"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	idx := leafNode(tr, root, "skip.txt", dirtree.CategoryLeftOnly, dirtree.DirectionToRight)
	tr.Nodes[idx].Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 1}}
	tr.Nodes[idx].Active = false

	conflictIdx := leafNode(tr, root, "conflict.txt", dirtree.CategoryConflict, dirtree.DirectionUnresolvedConflict)
	tr.Nodes[conflictIdx].Left = dirtree.Side{Present: true, Type: tfs.TypeFile}
	tr.Nodes[conflictIdx].Right = dirtree.Side{Present: true, Type: tfs.TypeFile}

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	_, err := os.Stat(filepath.Join(rightRoot, "skip.txt"))
	assert.True(t, os.IsNotExist(err), "an inactive node must not be executed")
}

func movePairNodes(tr *dirtree.Tree, root int, leftName, rightName string, direction dirtree.Direction, leftSize, rightSize uint64) (leftIdx, rightIdx int) {
	leftIdx = tr.NewNode(root, leftName)
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, leftIdx)
	ln := tr.Nodes[leftIdx]
	ln.Category = dirtree.CategoryLeftOnly
	ln.Direction = direction
	ln.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: leftSize}}

	rightIdx = tr.NewNode(root, rightName)
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, rightIdx)
	rn := tr.Nodes[rightIdx]
	rn.Category = dirtree.CategoryRightOnly
	rn.Direction = direction
	rn.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: rightSize}}

	ln.MovePartner = rightIdx
	rn.MovePartner = leftIdx
	return leftIdx, rightIdx
}

// TestExecutorMoveToRightRenamesStaleRightSideFile exercises the
// same-backend-kind path: left holds the renamed file under its new name
// (source of truth, DirectionToRight), right still has it under the old
// name and must be renamed in place to match - not have the new name
// copied in from the wrong side, the bug the idx-based srcRel/dstRel
// computation used to produce.
func TestExecutorMoveToRightRenamesStaleRightSideFile(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "new-name.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "old-name.txt"), []byte("hello"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	movePairNodes(tr, root, "new-name.txt", "old-name.txt", dirtree.DirectionToRight, 5, 5)

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	_, err := os.Stat(filepath.Join(rightRoot, "old-name.txt"))
	assert.True(t, os.IsNotExist(err), "the stale right-side name must be gone")
	data, err := os.ReadFile(filepath.Join(rightRoot, "new-name.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

// TestExecutorMoveToLeftRenamesStaleLeftSideFile is the symmetric case:
// right holds the new name and left must be brought into line.
func TestExecutorMoveToLeftRenamesStaleLeftSideFile(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "old-name.txt"), []byte("world"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "new-name.txt"), []byte("world"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	movePairNodes(tr, root, "old-name.txt", "new-name.txt", dirtree.DirectionToLeft, 5, 5)

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	_, err := os.Stat(filepath.Join(leftRoot, "old-name.txt"))
	assert.True(t, os.IsNotExist(err), "the stale left-side name must be gone")
	data, err := os.ReadFile(filepath.Join(leftRoot, "new-name.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

// TestExecutorMoveCrossBackendFallbackDeletesStaleSide forces the
// MoveAndRename-unsupported fallback by giving the two devices different
// Kinds (the backends themselves are both local.New, only the declared
// Kind differs, to keep the test self-contained). The copy+delete path
// must copy the source-of-truth content to dst under the new name and
// delete dst's stale old name - not delete the file it just copied from
// src, which would lose the only remaining copy.
func TestExecutorMoveCrossBackendFallbackDeletesStaleSide(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "new-name.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "old-name.txt"), []byte("hello"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	movePairNodes(tr, root, "new-name.txt", "old-name.txt", dirtree.DirectionToRight, 5, 5)

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendSFTP, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	_, err := os.Stat(filepath.Join(rightRoot, "old-name.txt"))
	assert.True(t, os.IsNotExist(err), "the stale right-side name must be gone")
	data, err := os.ReadFile(filepath.Join(rightRoot, "new-name.txt"))
	require.NoError(t, err, "the new name must exist on the right after the fallback copy")
	assert.Equal(t, "hello", string(data))
	leftData, err := os.ReadFile(filepath.Join(leftRoot, "new-name.txt"))
	require.NoError(t, err, "the source of truth must survive the fallback, not be deleted")
	assert.Equal(t, "hello", string(leftData))
}

func TestExecutorCreatesMissingParentFolders(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(leftRoot, "a", "b"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "a", "b", "deep.txt"), []byte("z"), 0o600))

	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "deep.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Category = dirtree.CategoryLeftOnly
	n.Direction = dirtree.DirectionToRight
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 1}}
	n.Parent = root
	n.Name = "a/b/deep.txt"

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	ex := New(Config{Backends: backendsFor(leftRoot, rightRoot)})
	require.NoError(t, ex.Run(context.Background(), tr, root, left, right))

	data, err := os.ReadFile(filepath.Join(rightRoot, "a", "b", "deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "z", string(data))
}
