package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink stores snapshots as files in Dir.
type FileSink struct {
	Dir string
}

// Put writes data to Dir/name atomically via a temp file and rename.
func (f FileSink) Put(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.Dir, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.Dir, name))
}

// Get reads Dir/name.
func (f FileSink) Get(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.Dir, filepath.Base(name)))
}
