package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/filelock"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Options controls how a Tracker persists positions
type Options struct {
	// Persist enables locking and Save. Without it positions live only for
	// the current run.
	Persist bool
	Logger  *logging.Logger
}

// Tracker keeps the read position of every tracked log file. Positions are
// stored one per line as path|offset|inode.
type Tracker struct {
	mu        sync.RWMutex
	path      string
	persist   bool
	positions map[string]types.FilePosition
	lock      *filelock.Lock
	logger    *logging.Logger
}

// Open takes the state file lock and loads the stored positions. A corrupt
// state file is logged and treated as empty.
func Open(path string, opts Options) (*Tracker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tracker{
		path:      path,
		persist:   opts.Persist,
		positions: make(map[string]types.FilePosition),
		logger:    logger.WithComponent("checkpoint"),
	}

	if t.persist {
		lock, err := filelock.Acquire(path + ".lock")
		if err != nil {
			return nil, fmt.Errorf("failed to lock state file: %w", err)
		}
		t.lock = lock
	}

	if err := t.load(); err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable state file")
		t.positions = make(map[string]types.FilePosition)
	}

	return t, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	num := 0
	for scanner.Scan() {
		num++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		pos, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", num, err)
		}
		t.positions[pos.Path] = pos
	}
	return scanner.Err()
}

// ParseLine parses one state line. The legacy path|offset form yields an
// inode of -1. Paths may contain '|' since the numeric fields are taken
// from the right.
func ParseLine(line string) (types.FilePosition, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return types.FilePosition{}, fmt.Errorf("malformed state line %q", line)
	}

	if len(parts) >= 3 {
		offset, errO := strconv.ParseInt(parts[len(parts)-2], 10, 64)
		inode, errI := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if errO == nil && errI == nil {
			return types.FilePosition{
				Path:   strings.Join(parts[:len(parts)-2], "|"),
				Offset: offset,
				Inode:  inode,
			}, nil
		}
	}

	offset, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return types.FilePosition{}, fmt.Errorf("malformed state line %q", line)
	}
	return types.FilePosition{
		Path:   strings.Join(parts[:len(parts)-1], "|"),
		Offset: offset,
		Inode:  -1,
	}, nil
}

// PositionFor returns the stored position of path
func (t *Tracker) PositionFor(path string) (types.FilePosition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[path]
	return pos, ok
}

// Commit records the position reached for path
func (t *Tracker) Commit(path string, offset, inode int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.positions[path] = types.FilePosition{Path: path, Offset: offset, Inode: inode}
}

// Len returns the number of tracked files
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// Save writes all positions to the state file. It does nothing when
// persistence is disabled.
func (t *Tracker) Save() error {
	if !t.persist {
		t.logger.Debug().Msg("State file not written (persistence disabled)")
		return nil
	}

	t.mu.RLock()
	paths := make([]string, 0, len(t.positions))
	for p := range t.positions {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		pos := t.positions[p]
		fmt.Fprintf(&buf, "%s|%d|%d\n", pos.Path, pos.Offset, pos.Inode)
	}
	t.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := t.path + ".tmp"
	if err := os.WriteFile(tmpFile, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tmpFile, t.path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// Close releases the state file lock
func (t *Tracker) Close() error {
	return t.lock.Release()
}
