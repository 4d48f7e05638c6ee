package fs

import (
	"errors"
	"strings"
)

// Sep is the internal canonical separator for relative paths. Conversion to
// a backend's native form happens at the backend boundary (afs package),
// never here.
const Sep = "/"

// ErrInvalidPath is returned by Path.Validate.
var ErrInvalidPath = errors.New("invalid relative path")

// Path is an abstract location: a device plus a relative path rooted at
// that device. The empty relative path denotes the device root.
type Path struct {
	Device Device
	Rel    string
}

// NewPath builds a Path, normalizing an empty/"." relative path to "".
func NewPath(d Device, rel string) Path {
	if rel == "." {
		rel = ""
	}
	return Path{Device: d, Rel: rel}
}

// Validate reports whether Rel is well-formed: no backslashes, does not
// start or end with Sep, and contains no empty components.
func (p Path) Validate() error {
	if strings.Contains(p.Rel, `\`) {
		return ErrInvalidPath
	}
	if p.Rel == "" {
		return nil
	}
	if strings.HasPrefix(p.Rel, Sep) || strings.HasSuffix(p.Rel, Sep) {
		return ErrInvalidPath
	}
	for _, part := range strings.Split(p.Rel, Sep) {
		if part == "" {
			return ErrInvalidPath
		}
	}
	return nil
}

// ParentOf returns the parent path and true, or the zero Path and false if
// p is already a device root.
func (p Path) ParentOf() (Path, bool) {
	if p.Rel == "" {
		return Path{}, false
	}
	idx := strings.LastIndex(p.Rel, Sep)
	if idx < 0 {
		return Path{Device: p.Device, Rel: ""}, true
	}
	return Path{Device: p.Device, Rel: p.Rel[:idx]}, true
}

// Append returns a new Path with name appended as a child component.
func (p Path) Append(name string) Path {
	if p.Rel == "" {
		return Path{Device: p.Device, Rel: name}
	}
	return Path{Device: p.Device, Rel: p.Rel + Sep + name}
}

// ItemName returns the final path component, or "" at a device root.
func (p Path) ItemName() string {
	idx := strings.LastIndex(p.Rel, Sep)
	if idx < 0 {
		return p.Rel
	}
	return p.Rel[idx+1:]
}

// DisplayPath renders a human-readable form: device key plus relative path.
// It is not meant to round-trip through a backend's native addressing.
func (p Path) DisplayPath() string {
	if p.Rel == "" {
		return p.Device.Key()
	}
	return p.Device.Key() + Sep + p.Rel
}

// CompareDevice orders by device only; see Device.Compare.
func (p Path) CompareDevice(o Path) int { return p.Device.Compare(o.Device) }

// ComparePath orders two paths sharing a device by relative path, using
// native-path ordering (case-sensitive, byte-wise over the whole string). Callers that
// need a case-insensitive comparison (e.g. matching against a case
// -insensitive backend) should fold case themselves before calling this.
func (p Path) ComparePath(o Path) int { return strings.Compare(p.Rel, o.Rel) }
