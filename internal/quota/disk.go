//go:build linux || darwin

package quota

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Disk reports usage of the filesystem containing Path.
type Disk struct {
	Path string
}

// Usage implements Source using statfs(2).
func (d Disk) Usage(context.Context) (int64, int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", d.Path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	avail := st.Bavail * bsize
	return int64(total), int64(total - avail), nil
}
