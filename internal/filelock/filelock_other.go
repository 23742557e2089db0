//go:build !unix

package filelock

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("would block")

// Advisory locks are not available here; callers rely on rename-based writes.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
