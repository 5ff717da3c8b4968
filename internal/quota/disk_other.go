//go:build !linux && !darwin

package quota

import "context"

// Disk reports usage of the filesystem containing Path.
// Not supported on this platform; the monitor fails open.
type Disk struct {
	Path string
}

// Usage implements Source.
func (d Disk) Usage(context.Context) (int64, int64, error) {
	return 0, 0, ErrUnavailable
}
