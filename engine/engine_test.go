package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/afs"
	"github.com/twinsync/twinsync/afs/local"
	"github.com/twinsync/twinsync/db"
	tfs "github.com/twinsync/twinsync/fs"
	"github.com/twinsync/twinsync/sync"
)

func localBackends(leftRoot, rightRoot string) func(tfs.Device) (afs.Backend, error) {
	return func(d tfs.Device) (afs.Backend, error) {
		if d.Root == leftRoot {
			return local.New(leftRoot), nil
		}
		return local.New(rightRoot), nil
	}
}

func TestEngineSyncMirrorsLeftOntoRight(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "only-left.txt"), []byte("fresh"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "stale.txt"), []byte("old"), 0o600))

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	e := New(localBackends(leftRoot, rightRoot), nil, nil)
	pair := Pair{
		Label: "pair",
		Left:  tfs.Path{Device: left, Rel: ""},
		Right: tfs.Path{Device: right, Rel: ""},
		Mode:  ModeMirror,
		SyncConfig: sync.Config{
			Backends: e.Backends,
		},
	}

	require.NoError(t, e.Sync(context.Background(), pair))

	data, err := os.ReadFile(filepath.Join(rightRoot, "only-left.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	_, err = os.Stat(filepath.Join(rightRoot, "stale.txt"))
	assert.True(t, os.IsNotExist(err), "mirror must remove items absent on the source side")
}

func TestEngineSyncTwoWayPersistsDBSnapshot(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "a.txt"), []byte("same"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "a.txt"), []byte("same"), 0o600))

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	dbPath := filepath.Join(t.TempDir(), "state.db")
	e := New(localBackends(leftRoot, rightRoot), nil, nil)
	pair := Pair{
		Label:  "pair",
		Left:   tfs.Path{Device: left, Rel: ""},
		Right:  tfs.Path{Device: right, Rel: ""},
		Mode:   ModeTwoWay,
		DBPath: dbPath,
		SyncConfig: sync.Config{
			Backends: e.Backends,
		},
	}

	require.NoError(t, e.Sync(context.Background(), pair))

	store := db.NewStore(dbPath)
	loaded, err := store.Load(pair.Compare.Variant)
	require.NoError(t, err)
	assert.Contains(t, loaded.Entries, "a.txt")
}

// TestEngineSyncTwoWayOmitsUnresolvedConflictsFromDB runs a pair twice: the
// first run establishes a synced baseline, the second diverges both sides
// so the file becomes an unresolved conflict. The DB rewritten after the
// second run must not contain an entry for it - recording one would make
// the next run believe the two still-different sides were in sync.
func TestEngineSyncTwoWayOmitsUnresolvedConflictsFromDB(t *testing.T) {
	leftRoot, rightRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "a.txt"), []byte("same"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "a.txt"), []byte("same"), 0o600))

	left := tfs.Device{Kind: tfs.BackendLocal, Root: leftRoot}
	right := tfs.Device{Kind: tfs.BackendLocal, Root: rightRoot}

	dbPath := filepath.Join(t.TempDir(), "state.db")
	e := New(localBackends(leftRoot, rightRoot), nil, nil)
	pair := Pair{
		Label:  "pair",
		Left:   tfs.Path{Device: left, Rel: ""},
		Right:  tfs.Path{Device: right, Rel: ""},
		Mode:   ModeTwoWay,
		DBPath: dbPath,
		SyncConfig: sync.Config{
			Backends: e.Backends,
		},
	}
	require.NoError(t, e.Sync(context.Background(), pair))

	store := db.NewStore(dbPath)
	loaded, err := store.Load(pair.Compare.Variant)
	require.NoError(t, err)
	require.Contains(t, loaded.Entries, "a.txt", "the first synced run must record a.txt")

	// Diverge both sides from the recorded baseline with different content
	// and clearly different mtimes so both leftChanged and rightChanged.
	now := time.Now()
	require.NoError(t, os.WriteFile(filepath.Join(leftRoot, "a.txt"), []byte("left-edit"), 0o600))
	require.NoError(t, os.Chtimes(filepath.Join(leftRoot, "a.txt"), now, now.Add(10*time.Minute)))
	require.NoError(t, os.WriteFile(filepath.Join(rightRoot, "a.txt"), []byte("right-edit-longer"), 0o600))
	require.NoError(t, os.Chtimes(filepath.Join(rightRoot, "a.txt"), now, now.Add(20*time.Minute)))

	require.NoError(t, e.Sync(context.Background(), pair))

	loaded, err = store.Load(pair.Compare.Variant)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Entries, "a.txt", "an unresolved conflict must not be recorded as in sync")

	// both edits must survive untouched: a conflict is never auto-resolved.
	leftData, err := os.ReadFile(filepath.Join(leftRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "left-edit", string(leftData))
	rightData, err := os.ReadFile(filepath.Join(rightRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "right-edit-longer", string(rightData))
}

func TestCheckPathDependenciesCatchesNestedPairs(t *testing.T) {
	d := tfs.Device{Kind: tfs.BackendLocal, Root: "/data"}
	pairs := []Pair{
		{Label: "outer", Left: tfs.Path{Device: d, Rel: "a"}, Right: tfs.Path{Device: d, Rel: "b"}},
		{Label: "inner", Left: tfs.Path{Device: d, Rel: "a/sub"}, Right: tfs.Path{Device: d, Rel: "c"}},
	}
	violations := CheckPathDependencies(pairs)
	assert.NotEmpty(t, violations)
}
