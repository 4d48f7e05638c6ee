package versioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tfs "github.com/twinsync/twinsync/fs"
)

func TestTargetRelReplace(t *testing.T) {
	v := &Versioner{Root: tfs.Path{Rel: "trash"}, Style: StyleReplace}
	assert.Equal(t, "trash/sub/file.txt", v.targetRel("sub/file.txt"))
}

func TestTargetRelTimestampFolder(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 15, 30, 0, 0, time.Local)
	v := &Versioner{Root: tfs.Path{Rel: "trash"}, Style: StyleTimestampFolder, Now: func() time.Time { return fixed }}
	got := v.targetRel("sub/file.txt")
	assert.Equal(t, "trash/2026-07-31 153000/sub/file.txt", got)
}

func TestTargetRelTimestampFile(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 15, 30, 0, 0, time.Local)
	v := &Versioner{Root: tfs.Path{Rel: "trash"}, Style: StyleTimestampFile, Now: func() time.Time { return fixed }}
	got := v.targetRel("sub/report.txt")
	assert.Equal(t, "trash/sub/report.txt 2026-07-31 153000.txt", got)
}

func TestTimestampFileRoundTrips(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 15, 30, 0, 0, time.Local)
	v := &Versioner{Root: tfs.Path{}, Style: StyleTimestampFile, Now: func() time.Time { return fixed }}
	versioned := v.targetRel("report.txt")
	// strip the "trash/" root prefix this target has none of, since Root.Rel is empty
	name := versioned

	original, when, ok := ParseTimestampFile(name)
	require.True(t, ok)
	assert.Equal(t, "report.txt", original)
	assert.True(t, when.Equal(fixed))
}

func TestTimestampFileRejectsUnrelatedName(t *testing.T) {
	_, _, ok := ParseTimestampFile("plain-report.txt")
	assert.False(t, ok)
}

func TestTimestampFolderRoundTrips(t *testing.T) {
	when, ok := ParseTimestampFolder("2026-07-31 153000")
	require.True(t, ok)
	assert.Equal(t, 2026, when.Year())
	assert.Equal(t, time.July, when.Month())
	assert.Equal(t, 31, when.Day())

	_, ok = ParseTimestampFolder("not-a-timestamp")
	assert.False(t, ok)
}

func TestPathDependent(t *testing.T) {
	dev := tfs.Device{Kind: tfs.BackendLocal, Root: "/data"}
	root := tfs.Path{Device: dev, Rel: "sync/left"}
	assert.True(t, PathDependent(root, tfs.Path{Device: dev, Rel: "sync/left"}))
	assert.True(t, PathDependent(root, tfs.Path{Device: dev, Rel: "sync/left/sub"}))
	assert.False(t, PathDependent(root, tfs.Path{Device: dev, Rel: "sync/right"}))
}

func TestLimitConfigValidateRejectsInvertedBounds(t *testing.T) {
	cfg := LimitConfig{CountMin: 5, CountMax: 3}
	assert.Error(t, cfg.Validate())

	ok := LimitConfig{CountMin: 2, CountMax: 5}
	assert.NoError(t, ok.Validate())

	noLimits := LimitConfig{}
	assert.NoError(t, noLimits.Validate())
}

func mkVersion(rel string, daysAgo int, now time.Time) Version {
	return Version{Rel: rel, When: now.AddDate(0, 0, -daysAgo)}
}

func TestSelectForDeletionByCountMax(t *testing.T) {
	now := time.Now()
	versions := []Version{
		mkVersion("v1", 3, now),
		mkVersion("v2", 2, now),
		mkVersion("v3", 1, now),
		mkVersion("v4", 0, now),
	}
	toDelete := SelectForDeletion(versions, LimitConfig{CountMax: 2}, now)
	require.Len(t, toDelete, 2)
	deletedRels := map[string]bool{}
	for _, v := range toDelete {
		deletedRels[v.Rel] = true
	}
	assert.True(t, deletedRels["v1"])
	assert.True(t, deletedRels["v2"])
}

func TestSelectForDeletionByAgeWithCountMinFloor(t *testing.T) {
	now := time.Now()
	versions := []Version{
		mkVersion("ancient", 100, now),
		mkVersion("old", 40, now),
		mkVersion("recent", 1, now),
	}
	// age limit alone would prune everything past 10 days, but count_min=2
	// forces keeping the 2 newest regardless of age.
	toDelete := SelectForDeletion(versions, LimitConfig{MaxAgeDays: 10, CountMin: 2}, now)
	require.Len(t, toDelete, 1)
	assert.Equal(t, "ancient", toDelete[0].Rel)
}

func TestSelectForDeletionEmptyInput(t *testing.T) {
	assert.Nil(t, SelectForDeletion(nil, LimitConfig{CountMax: 5}, time.Now()))
}
