package compare

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/afs/local"
	"github.com/twinsync/twinsync/dirtree"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/walk"
)

func folderNode() *walk.FolderNode {
	return &walk.FolderNode{Folders: map[string]*walk.FolderNode{}, Files: map[string]tfs.FileAttrs{}, Symlinks: map[string]tfs.SymlinkAttrs{}}
}

func TestMergeCaseInsensitiveFold(t *testing.T) {
	left := folderNode()
	left.Files["Report.TXT"] = tfs.FileAttrs{Size: 10, ModTime: 100}
	right := folderNode()
	right.Files["report.txt"] = tfs.FileAttrs{Size: 10, ModTime: 100}

	tr := Merge(left, right)
	require.Len(t, tr.Nodes[tr.Root()].Files, 1)
	idx := tr.Nodes[tr.Root()].Files[0]
	n := tr.Nodes[idx]
	assert.True(t, n.Left.Present)
	assert.True(t, n.Right.Present)
	assert.Equal(t, "Report.TXT", n.Name, "the left side's as-traversed name becomes the node's canonical name")
	assert.Equal(t, "", n.LeftName, "LeftName is only set when it diverges from the node's own Name")
	assert.Equal(t, "report.txt", n.RightName)
}

func TestMergeLeftOnlyAndRightOnly(t *testing.T) {
	left := folderNode()
	left.Files["only-left.txt"] = tfs.FileAttrs{Size: 1}
	right := folderNode()
	right.Files["only-right.txt"] = tfs.FileAttrs{Size: 1}

	tr := Merge(left, right)
	byName := map[string]dirtree.Category{}
	for _, idx := range tr.Nodes[tr.Root()].Files {
		byName[tr.Nodes[idx].Name] = tr.Nodes[idx].Category
	}
	assert.Equal(t, dirtree.CategoryLeftOnly, byName["only-left.txt"])
	assert.Equal(t, dirtree.CategoryRightOnly, byName["only-right.txt"])
}

func TestMergeRecursesIntoFolders(t *testing.T) {
	left := folderNode()
	sub := folderNode()
	sub.Files["deep.txt"] = tfs.FileAttrs{Size: 1}
	left.Folders["sub"] = sub
	right := folderNode()
	rsub := folderNode()
	rsub.Files["deep.txt"] = tfs.FileAttrs{Size: 1}
	right.Folders["sub"] = rsub

	tr := Merge(left, right)
	folderIdx := tr.Nodes[tr.Root()].Folders[0]
	require.Len(t, tr.Nodes[folderIdx].Files, 1)
	assert.Equal(t, "deep.txt", tr.Nodes[tr.Nodes[folderIdx].Files[0]].Name)
}

func TestMergeResultsPropagatesReadErrors(t *testing.T) {
	left := &walk.Result{Root: folderNode(), ItemErrors: map[string]error{"broken.txt": assertErr{}}, FolderErrors: map[string]error{}}
	left.Root.Files["broken.txt"] = tfs.FileAttrs{}
	right := &walk.Result{Root: folderNode(), ItemErrors: map[string]error{}, FolderErrors: map[string]error{}}
	right.Root.Files["broken.txt"] = tfs.FileAttrs{}

	tr := MergeResults(left, right)
	idx := tr.Nodes[tr.Root()].Files[0]
	n := tr.Nodes[idx]
	assert.Equal(t, dirtree.CategoryConflict, n.Category)
	assert.False(t, n.Active)
}

type assertErr struct{}

func (assertErr) Error() string { return "read failed" }

func TestClassifyTimeSizeEqual(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1001}}

	pending := Classify(tr, root, Options{Variant: VariantTimeSize}, 2000000)
	assert.Empty(t, pending)
	assert.Equal(t, dirtree.CategoryEqual, tr.Nodes[idx].Category)
}

func TestClassifyTimeSizeNewer(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 5000}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}

	Classify(tr, root, Options{Variant: VariantTimeSize}, 9000000)
	assert.Equal(t, dirtree.CategoryLeftNewer, tr.Nodes[idx].Category)
}

func TestClassifySameMtimeDifferentSizeIsConflict(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 9, ModTime: 1000}}

	Classify(tr, root, Options{Variant: VariantTimeSize}, 9000000)
	assert.Equal(t, dirtree.CategoryConflict, tr.Nodes[idx].Category)
}

func TestClassifyInvalidDate(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: -1}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}

	Classify(tr, root, Options{Variant: VariantTimeSize}, 9000000)
	assert.Equal(t, dirtree.CategoryInvalidDate, tr.Nodes[idx].Category)
}

func TestClassifyContentVariantDefersEqualSizedPairs(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5}}

	pending := Classify(tr, root, Options{Variant: VariantContent}, 9000000)
	assert.Equal(t, []int{idx}, pending)
	assert.Equal(t, dirtree.CategoryUncategorized, tr.Nodes[idx].Category, "classification is finished by ApplyContentResults, not here")

	ApplyContentResults(tr, idx, true)
	assert.Equal(t, dirtree.CategoryEqual, tr.Nodes[idx].Category)
}

func TestClassifyContentVariantSkipsByteCompareOnSizeMismatch(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "a.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 9}}

	pending := Classify(tr, root, Options{Variant: VariantContent}, 9000000)
	assert.Empty(t, pending)
	assert.Equal(t, dirtree.CategoryDifferentContent, tr.Nodes[idx].Category)
}

func TestCaseOnlyNameWithMatchingContentIsMetadataOnly(t *testing.T) {
	tr := dirtree.New()
	root := tr.Root()
	idx := tr.NewNode(root, "report.txt")
	tr.Nodes[root].Files = append(tr.Nodes[root].Files, idx)
	n := tr.Nodes[idx]
	n.LeftName = "Report.txt"
	n.Left = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}
	n.Right = dirtree.Side{Present: true, Type: tfs.TypeFile, File: tfs.FileAttrs{Size: 5, ModTime: 1000}}

	Classify(tr, root, Options{Variant: VariantTimeSize}, 9000000)
	assert.Equal(t, dirtree.CategoryDifferentMetadata, tr.Nodes[idx].Category)
}

func TestDefaultContentComparerOverLocalBackend(t *testing.T) {
	dir := t.TempDir()
	left := filepath.Join(dir, "left")
	right := filepath.Join(dir, "right")
	require.NoError(t, os.Mkdir(left, 0o700))
	require.NoError(t, os.Mkdir(right, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(left, "a.txt"), []byte("hello world"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(right, "a.txt"), []byte("hello world"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(right, "b.txt"), []byte("hello there"), 0o600))

	leftBackend := local.New(left)
	rightBackend := local.New(right)

	equal, err := DefaultContentComparer(context.Background(), leftBackend, "a.txt", rightBackend, "a.txt")
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = DefaultContentComparer(context.Background(), leftBackend, "a.txt", rightBackend, "b.txt")
	require.NoError(t, err)
	assert.False(t, equal)
}
