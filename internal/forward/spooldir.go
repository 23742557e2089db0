package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/spool"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// spoolDirTransport drops every batch as a new file into a directory that
// the event console picks up. Files are never read back.
type spoolDirTransport struct {
	dir        string
	compressor Compressor
	now        func() time.Time
}

func newSpoolDirTransport(dir, compression string, now func() time.Time) (*spoolDirTransport, error) {
	c, err := GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	return &spoolDirTransport{dir: dir, compressor: c, now: now}, nil
}

func (t *spoolDirTransport) Send(_ context.Context, messages []string) types.ForwardResult {
	if len(messages) == 0 {
		return types.ForwardResult{}
	}
	if err := t.write(messages); err != nil {
		return dropAll(len(messages), err)
	}
	return types.ForwardResult{Forwarded: len(messages)}
}

func (t *spoolDirTransport) write(messages []string) error {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := t.compressor.Compress([]byte(strings.Join(messages, "\n") + "\n"))
	if err != nil {
		return err
	}

	name := spool.ChunkName(t.now()) + t.compressor.Extension()
	path := filepath.Join(t.dir, name)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(t.dir, fmt.Sprintf("%s.%d", name, i))
	}

	// the hidden name keeps readers away from incomplete files
	tmp, err := os.CreateTemp(t.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename spool file: %w", err)
	}
	return nil
}

func (t *spoolDirTransport) Close() error {
	return nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
