//go:build unix

package tailer

import (
	"os"
	"syscall"
)

// inodeOf returns the inode number of a stat result
func inodeOf(fi os.FileInfo) int64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return int64(stat.Ino)
	}
	return 1
}
