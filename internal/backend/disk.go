package backend

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// diskHeadroom returns the free bytes on the filesystem holding path. The
// reported quota of a disk-backed engine never exceeds used+free, so callers
// see a capacity that is actually attainable.
func diskHeadroom(path string) (int64, bool) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, false
	}
	return int64(du.Free), true
}
