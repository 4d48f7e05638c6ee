package walk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/afs/local"
	tfs "github.com/twinsync/twinsync/fs"
)

func setupTree(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.txt"), []byte("r"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("n"), 0o600))
	return dir
}

func TestRunTraversesOneKeyIntoFolderNode(t *testing.T) {
	dir := setupTree(t)
	device := tfs.Device{Kind: tfs.BackendLocal, Root: dir}

	tr := &Traverser{Backends: func(d tfs.Device) (afs.Backend, error) { return local.New(d.Root), nil }}
	results, err := tr.Run(context.Background(), []Key{{Device: device, SymlinkPolicy: afs.SymlinkReport}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	root := results[0].Root
	assert.Contains(t, root.Files, "root.txt")
	require.Contains(t, root.Folders, "sub")
	assert.Contains(t, root.Folders["sub"].Files, "nested.txt")
}

func TestRunTraversesMultipleKeysConcurrently(t *testing.T) {
	dirA := setupTree(t)
	dirB := setupTree(t)
	keys := []Key{
		{Device: tfs.Device{Kind: tfs.BackendLocal, Root: dirA}, SymlinkPolicy: afs.SymlinkReport},
		{Device: tfs.Device{Kind: tfs.BackendLocal, Root: dirB}, SymlinkPolicy: afs.SymlinkReport},
	}

	tr := &Traverser{Backends: func(d tfs.Device) (afs.Backend, error) { return local.New(d.Root), nil }}
	results, err := tr.Run(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, r.Root.Files, "root.txt")
	}
}

func TestChildMightMatchPrunesSubtree(t *testing.T) {
	dir := setupTree(t)
	device := tfs.Device{Kind: tfs.BackendLocal, Root: dir}

	tr := &Traverser{Backends: func(d tfs.Device) (afs.Backend, error) { return local.New(d.Root), nil }}
	results, err := tr.Run(context.Background(), []Key{{
		Device:          device,
		SymlinkPolicy:   afs.SymlinkReport,
		ChildMightMatch: func(rel string) bool { return rel != "sub" },
	}})
	require.NoError(t, err)

	root := results[0].Root
	assert.Contains(t, root.Files, "root.txt")
	assert.NotContains(t, root.Folders, "sub")
}

func TestRunReportsNoErrorsForEmptyFolder(t *testing.T) {
	dir := t.TempDir()
	device := tfs.Device{Kind: tfs.BackendLocal, Root: dir}

	tr := &Traverser{Backends: func(d tfs.Device) (afs.Backend, error) { return local.New(d.Root), nil }}
	results, err := tr.Run(context.Background(), []Key{{Device: device, SymlinkPolicy: afs.SymlinkReport}})
	require.NoError(t, err)

	assert.Empty(t, results[0].ItemErrors)
	assert.Empty(t, results[0].FolderErrors)
}
