//go:build unix

package forward

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openPipe opens a named pipe for writing without waiting for a reader
func openPipe(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
}

func isNoReader(err error) bool {
	return errors.Is(err, unix.ENXIO)
}
