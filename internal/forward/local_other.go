//go:build !unix

package forward

import (
	"errors"
	"os"
)

func openPipe(string) (*os.File, error) {
	return nil, errors.New("named pipes are not supported on this platform")
}

func isNoReader(error) bool {
	return false
}
