//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package local

import "os"

// fingerprintOf has no platform-native inode equivalent on this build
// target; an empty fingerprint is tolerated everywhere it is consumed.
func fingerprintOf(_ os.FileInfo) string { return "" }
