package inode

import (
	"fmt"

	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"
)

// ImportHostXattrs seeds ino's extended attributes from a host file's
// own xattr namespace — the one place this engine touches the host
// filesystem's xattrs, used when content is being copied in from the
// local filesystem rather than created fresh inside the volume.
func ImportHostXattrs(hostPath string, ino *Inode) error {
	names, err := xattr.List(hostPath)
	if err != nil {
		return fmt.Errorf("inode: listing host xattrs on %s: %w", hostPath, err)
	}
	if len(names) == 0 {
		return nil
	}
	if ino.Xattrs == nil {
		ino.Xattrs = make(map[string][]byte, len(names))
	}
	for _, name := range names {
		value, err := xattr.Get(hostPath, name)
		if err != nil {
			return fmt.Errorf("inode: reading host xattr %s on %s: %w", name, hostPath, err)
		}
		ino.Xattrs[name] = value
	}
	ino.dirty = true
	return nil
}

// HostMetadata is the subset of a host file's timestamps this engine
// can seed an imported inode's CtimeOwner/MtimeSize attributes from.
// BirthTime is zero when the host platform/filesystem doesn't expose
// one — os.FileInfo alone can never report it, which is why this uses
// times.Stat instead.
type HostMetadata struct {
	ModTime  uint64
	ChangeTime uint64
	BirthTime  uint64
}

// ImportHostMetadata reads the host file's mtime/ctime/birth time via
// times.Stat, for seeding an inode created from an imported host file.
// It is ImportHostXattrs's sibling: both exist only on the import path,
// never on ordinary create/write.
func ImportHostMetadata(hostPath string) (HostMetadata, error) {
	t, err := times.Stat(hostPath)
	if err != nil {
		return HostMetadata{}, fmt.Errorf("inode: stat-ing host file %s: %w", hostPath, err)
	}
	meta := HostMetadata{ModTime: uint64(t.ModTime().Unix())}
	if t.HasChangeTime() {
		meta.ChangeTime = uint64(t.ChangeTime().Unix())
	}
	if t.HasBirthTime() {
		meta.BirthTime = uint64(t.BirthTime().Unix())
	}
	return meta, nil
}
