//go:build !unix

package devio

import "os"

// OpenDirect falls back to a plain buffered open on non-unix platforms,
// where O_DIRECT has no equivalent.
func OpenDirect(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}
