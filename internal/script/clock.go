package script

import (
	"github.com/spf13/afero"
)

// Clock reports file modification times.
type Clock interface {
	// ModTime returns the last modification time of path in nanoseconds since
	// the Unix epoch, or 0 when the file cannot be inspected.
	ModTime(path string) int64
}

// FileClock reads modification times from a filesystem.
type FileClock struct {
	fs afero.Fs
}

// NewFileClock creates a clock backed by fs.
func NewFileClock(fs afero.Fs) *FileClock {
	return &FileClock{fs: fs}
}

// ModTime implements Clock.
func (c *FileClock) ModTime(path string) int64 {
	info, err := c.fs.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
