package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathValidate(t *testing.T) {
	cases := []struct {
		name string
		rel  string
		ok   bool
	}{
		{"empty is root", "", true},
		{"simple", "a/b/c", true},
		{"backslash rejected", `a\b`, false},
		{"leading slash rejected", "/a", false},
		{"trailing slash rejected", "a/", false},
		{"empty component rejected", "a//b", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewPath(Device{Kind: BackendLocal, Root: "/tmp"}, c.rel)
			err := p.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}

func TestPathDotNormalizesToRoot(t *testing.T) {
	p := NewPath(Device{Kind: BackendLocal, Root: "/tmp"}, ".")
	assert.Equal(t, "", p.Rel)
}

func TestPathParentOf(t *testing.T) {
	d := Device{Kind: BackendLocal, Root: "/tmp"}
	p := NewPath(d, "a/b/c")
	parent, ok := p.ParentOf()
	require.True(t, ok)
	assert.Equal(t, "a/b", parent.Rel)

	root := NewPath(d, "")
	_, ok = root.ParentOf()
	assert.False(t, ok)

	topLevel := NewPath(d, "a")
	parent, ok = topLevel.ParentOf()
	require.True(t, ok)
	assert.Equal(t, "", parent.Rel)
}

func TestPathAppendAndItemName(t *testing.T) {
	d := Device{Kind: BackendLocal, Root: "/tmp"}
	p := NewPath(d, "a").Append("b")
	assert.Equal(t, "a/b", p.Rel)
	assert.Equal(t, "b", p.ItemName())
	assert.Equal(t, "", NewPath(d, "").ItemName())
}

func TestDeviceCompare(t *testing.T) {
	local1 := Device{Kind: BackendLocal, Root: "/a"}
	local2 := Device{Kind: BackendLocal, Root: "/a"}
	local3 := Device{Kind: BackendLocal, Root: "/b"}
	assert.True(t, local1.Equal(local2))
	assert.False(t, local1.Equal(local3))

	ftp1 := Device{Kind: BackendFTP, Host: "Example.com", Port: 21, User: "u"}
	ftp2 := Device{Kind: BackendFTP, Host: "example.com", Port: 21, User: "u"}
	assert.True(t, ftp1.Equal(ftp2), "hostnames compare case-insensitively")

	assert.NotEqual(t, 0, local1.Compare(ftp1), "different kinds never compare equal")
}
