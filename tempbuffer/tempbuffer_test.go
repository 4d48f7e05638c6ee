package tempbuffer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/afs/local"
	tfs "github.com/twinsync/twinsync/fs"
)

func TestNewCreatesDistinctStagingDirectories(t *testing.T) {
	base := t.TempDir()
	b1, err := New(base)
	require.NoError(t, err)
	defer b1.Close()
	b2, err := New(base)
	require.NoError(t, err)
	defer b2.Close()

	assert.NotEqual(t, b1.dir, b2.dir)
	info, err := os.Stat(b1.dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStageCopiesContentIn(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("payload"), 0o600))
	backend := local.New(src)

	b, err := New(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	key := MakeKey(tfs.FileAttrs{Size: 7, ModTime: 100}, false, "left://a.txt")
	path, err := b.Stage(context.Background(), key, backend, "a.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestStageReusesExistingEntryForSameKey(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("payload"), 0o600))
	backend := local.New(src)

	b, err := New(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	key := MakeKey(tfs.FileAttrs{Size: 7, ModTime: 100}, false, "left://a.txt")
	path1, err := b.Stage(context.Background(), key, backend, "a.txt")
	require.NoError(t, err)
	path2, err := b.Stage(context.Background(), key, backend, "a.txt")
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Len(t, b.entries, 1)
}

func TestStageDistinguishesKeysByMtime(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("v1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("v2"), 0o600))
	backend := local.New(src)

	b, err := New(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	k1 := MakeKey(tfs.FileAttrs{Size: 2, ModTime: 100}, false, "left://a.txt")
	k2 := MakeKey(tfs.FileAttrs{Size: 2, ModTime: 200}, false, "left://a.txt")

	p1, err := b.Stage(context.Background(), k1, backend, "a.txt")
	require.NoError(t, err)
	p2, err := b.Stage(context.Background(), k2, backend, "b.txt")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Len(t, b.entries, 2)
}

func TestCloseRemovesStagingDirectory(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	dir := b.dir
	require.NoError(t, b.Close())

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
