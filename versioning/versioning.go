// Package versioning implements the delete/overwrite diversion pathway:
// instead of losing an item outright, the executor can divert it to a
// versioned location using one of three styles, later pruned by age and
// count.
package versioning

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/twinsync/twinsync/afs"
	tfs "github.com/twinsync/twinsync/fs"
)

// Style selects how a diverted item is placed under the versioning root.
type Style int

const (
	StyleReplace Style = iota
	StyleTimestampFolder
	StyleTimestampFile
)

const timeLayout = "2006-01-02 150405"

// Versioner diverts doomed items to root instead of deleting them.
type Versioner struct {
	Root    tfs.Path
	Style   Style
	Backend func(tfs.Device) (afs.Backend, error)
	Now     func() time.Time
}

func (v *Versioner) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// PathDependent reports whether candidate is the same as, or nested
// inside, root — used by the executor to refuse versioning into a folder
// that is itself part of a synced tree.
func PathDependent(root, candidate tfs.Path) bool {
	if !root.Device.Equal(candidate.Device) {
		return false
	}
	if root.Rel == candidate.Rel {
		return true
	}
	return strings.HasPrefix(candidate.Rel, root.Rel+tfs.Sep)
}

// Divert moves rel (currently on backend) into the versioning tree,
// renaming if the move is same-backend, else falling back to copy+delete.
func (v *Versioner) Divert(ctx context.Context, srcBackend afs.Backend, srcDevice tfs.Device, rel string, attrs tfs.FileAttrs) error {
	dstBackend, err := v.Backend(v.Root.Device)
	if err != nil {
		return err
	}
	dstRel := v.targetRel(rel)

	if err := v.ensureParents(ctx, dstBackend, dstRel); err != nil {
		return err
	}

	if srcDevice.Kind == v.Root.Device.Kind && srcDevice.Equal(v.Root.Device) {
		if err := srcBackend.MoveAndRename(ctx, rel, dstRel); err == nil {
			return nil
		}
		var fe *tfs.Error
		if !asError(err, &fe) || fe.Kind != tfs.KindMoveUnsupported {
			return err
		}
	}

	reader, err := srcBackend.OpenInput(ctx, rel)
	if err != nil {
		return err
	}
	defer reader.Close()
	writer, err := dstBackend.OpenOutput(ctx, dstRel, attrs.Size, attrs.ModTime)
	if err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	for {
		n, rerr := reader.TryRead(buf)
		if n > 0 {
			if _, werr := writer.TryWrite(buf[:n]); werr != nil {
				writer.Close()
				return werr
			}
		}
		if rerr != nil {
			if rerr.Error() == "EOF" {
				break
			}
			writer.Close()
			return rerr
		}
	}
	if _, err := writer.Finalize(ctx); err != nil {
		return err
	}
	return srcBackend.RemoveFile(ctx, rel)
}

func (v *Versioner) targetRel(rel string) string {
	stamp := v.now().Format(timeLayout)
	switch v.Style {
	case StyleTimestampFolder:
		if v.Root.Rel == "" {
			return stamp + tfs.Sep + rel
		}
		return v.Root.Rel + tfs.Sep + stamp + tfs.Sep + rel
	case StyleTimestampFile:
		dir, name := path.Split(rel)
		ext := path.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		versioned := fmt.Sprintf("%s%s %s%s", stem, ext, stamp, ext)
		full := dir + versioned
		if v.Root.Rel == "" {
			return full
		}
		return v.Root.Rel + tfs.Sep + full
	default: // StyleReplace
		if v.Root.Rel == "" {
			return rel
		}
		return v.Root.Rel + tfs.Sep + rel
	}
}

func (v *Versioner) ensureParents(ctx context.Context, backend afs.Backend, rel string) error {
	p := tfs.Path{Rel: rel}
	parent, ok := p.ParentOf()
	if !ok || parent.Rel == "" {
		return nil
	}
	if _, exists, err := backend.ItemTypeIfExists(ctx, parent.Rel); err != nil {
		return err
	} else if exists {
		return nil
	}
	if err := v.ensureParents(ctx, backend, parent.Rel); err != nil {
		return err
	}
	err := backend.CreateFolder(ctx, parent.Rel)
	var fe *tfs.Error
	if err != nil && asError(err, &fe) && fe.Kind == tfs.KindAlreadyExists {
		return nil
	}
	return err
}

func asError(err error, target **tfs.Error) bool {
	for err != nil {
		if e, ok := err.(*tfs.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ParseTimestampFile round-trips a timestamp-file-styled name back into
// (originalName, when). Returns false if name does not match the grammar.
func ParseTimestampFile(name string) (originalName string, when time.Time, ok bool) {
	ext := path.Ext(name)
	stemPlusStamp := strings.TrimSuffix(name, ext)
	// stemPlusStamp is now "<stem><ext> YYYY-MM-DD HHMMSS"; its own
	// extension (the original file's) is still embedded before the space.
	idx := len(stemPlusStamp) - len(timeLayout)
	if idx < 1 || stemPlusStamp[idx-1] != ' ' {
		return "", time.Time{}, false
	}
	stamp := stemPlusStamp[idx:]
	t, err := time.ParseInLocation(timeLayout, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	original := stemPlusStamp[:idx-1]
	return original, t, true
}

// ParseTimestampFolder parses a timestamp-folder-styled folder name,
// returning false if it does not match the grammar.
func ParseTimestampFolder(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(timeLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Version is one parsed, prunable entry discovered under the versioning
// root for a single original path.
type Version struct {
	Rel  string // full relative path of the versioned item itself
	When time.Time
}

// LimitConfig bounds how many/how-old versions survive pruning.
type LimitConfig struct {
	MaxAgeDays int // 0 means no age limit
	CountMin   int // floor: never prune below this many, even if over age
	CountMax   int // ceiling: never keep more than this many
}

// Validate rejects count_min >= count_max when both are set.
func (c LimitConfig) Validate() error {
	if c.CountMin > 0 && c.CountMax > 0 && c.CountMin >= c.CountMax {
		return fmt.Errorf("versioning: count_min (%d) must be less than count_max (%d)", c.CountMin, c.CountMax)
	}
	return nil
}

// SelectForDeletion partitions versions (all belonging to one original
// path, any order) into the set that should be deleted, via the
// age/count_min/count_max algorithm. Oldest-first tie-breaking is
// all that's required; a stable full sort is used here since it's cheap
// at the per-path version counts this tool expects.
func SelectForDeletion(versions []Version, cfg LimitConfig, now time.Time) []Version {
	if len(versions) == 0 {
		return nil
	}
	sorted := append([]Version{}, versions...)
	sortByWhenAscending(sorted)

	var withinAge []Version
	if cfg.MaxAgeDays <= 0 {
		withinAge = sorted
	} else {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		cutoff := midnight.AddDate(0, 0, -cfg.MaxAgeDays)
		for _, v := range sorted {
			if !v.When.Before(cutoff) {
				withinAge = append(withinAge, v)
			}
		}
	}

	keep := len(withinAge)
	if cfg.CountMax > 0 && keep > cfg.CountMax {
		keep = cfg.CountMax
	}
	if cfg.CountMin > 0 && keep < cfg.CountMin {
		keep = cfg.CountMin
		if keep > len(sorted) {
			keep = len(sorted)
		}
	}

	// Keep the `keep` newest overall (within-age first, then the newest of
	// the too-old set if count_min forces keeping more than within-age
	// holds).
	kept := map[string]bool{}
	newestFirst := append([]Version{}, sorted...)
	sortByWhenDescending(newestFirst)
	for i := 0; i < keep && i < len(newestFirst); i++ {
		kept[newestFirst[i].Rel] = true
	}

	var toDelete []Version
	for _, v := range sorted {
		if !kept[v.Rel] {
			toDelete = append(toDelete, v)
		}
	}
	return toDelete
}

func sortByWhenAscending(v []Version) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j].When.Before(v[j-1].When); j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

func sortByWhenDescending(v []Version) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j].When.After(v[j-1].When); j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

// EmptyDirCascade deletes dir and every now-empty ancestor up to (but not
// including) root: the cascade walks up to the versioning root
// (exclusive).
func EmptyDirCascade(ctx context.Context, backend afs.Backend, dir, root string) error {
	for dir != "" && dir != root {
		children, err := listDir(ctx, backend, dir)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return nil
		}
		if err := backend.RemoveFolderEmpty(ctx, dir); err != nil {
			return err
		}
		p := tfs.Path{Rel: dir}
		parent, ok := p.ParentOf()
		if !ok {
			return nil
		}
		dir = parent.Rel
	}
	return nil
}

func listDir(ctx context.Context, backend afs.Backend, dir string) ([]string, error) {
	var children []string
	backend.Traverse(ctx, dir, afs.SymlinkReport, afs.TraverseCallbacks{
		OnFile:    func(rel string, _ tfs.FileAttrs) { children = append(children, rel) },
		OnFolder:  func(rel string) { children = append(children, rel) },
		OnSymlink: func(rel string, _ tfs.SymlinkAttrs) { children = append(children, rel) },
		OnItemErr: func(_ string, _ error, _ int) afs.RetryDecision { return afs.Continue },
		OnDirErr:  func(_ string, _ error, _ int) afs.RetryDecision { return afs.Continue },
	})
	return children, nil
}
