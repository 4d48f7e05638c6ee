package fs

import (
	"golang.org/x/text/unicode/norm"
)

// NormalizeName applies Unicode NFC normalization to a single path
// component: some backends (e.g. macOS HFS+) report decomposed (NFD)
// Unicode forms, so names that are visually and semantically identical
// don't get treated as distinct components across two backends.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}
