package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStateFile is the state file used for local runs and the seed for
// remote specific state files
const DefaultStateFile = "logwatch.state"

// StatusFilename returns the state file for a caller. Each remote gets its
// own file; remotes belonging to a cluster share the cluster's file.
func StatusFilename(stateDir, remote string, clusters []Cluster, tty bool) string {
	if remote == "" {
		name := DefaultStateFile
		if tty {
			name += ".local"
		}
		return filepath.Join(stateDir, name)
	}

	suffix := strings.ReplaceAll(remote, ":", "_")

	addr, err := netip.ParseAddr(remote)
	if err == nil {
		addr = addr.Unmap().WithZone("")
		for _, c := range clusters {
			if c.Contains(addr) {
				suffix = c.Name
			}
		}
	}

	return filepath.Join(stateDir, DefaultStateFile+"."+suffix)
}

// SeedStateFile copies logwatch.state to statusFile when statusFile does not
// exist yet, so a newly remapped caller resumes where the plain state left off.
func SeedStateFile(stateDir, statusFile string) error {
	seed := filepath.Join(stateDir, DefaultStateFile)
	if statusFile == seed {
		return nil
	}
	if _, err := os.Stat(statusFile); err == nil || !errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	src, err := os.Open(seed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open seed state file: %w", err)
	}
	defer src.Close()

	tmp := statusFile + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy seed state file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp, statusFile); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
