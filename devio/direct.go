//go:build unix

package devio

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenDirect opens path for read/write, attempting O_DIRECT so the host
// page cache does not mask the buffer cache's own dirty-write ordering
// during write-ahead-log durability testing. If O_DIRECT is rejected by
// the underlying filesystem (common on tmpfs and some CI environments) it
// silently falls back to a buffered open.
func OpenDirect(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_DIRECT, 0o644)
	if err != nil {
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	return f, nil
}
