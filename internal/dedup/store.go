package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/filelock"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
)

// fileState is the JSON document kept per host
type fileState struct {
	Items map[string]itemState `json:"items"`
}

type itemState struct {
	SeenBatches []string `json:"seen_batches"`
}

// FileStore is a Store persisted as <state_dir>/<host>.logwatch.json. The
// file is locked while the store is open.
type FileStore struct {
	mu     sync.Mutex
	path   string
	lock   *filelock.Lock
	state  fileState
	logger *logging.Logger
}

// StatePath returns the state file of host
func StatePath(stateDir, host string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(host)
	return filepath.Join(stateDir, name+".logwatch.json")
}

// OpenFileStore locks and loads the state of host. A corrupt file is
// logged and treated as empty.
func OpenFileStore(stateDir, host string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	path := StatePath(stateDir, host)

	lock, err := filelock.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("failed to lock dedup state: %w", err)
	}

	s := &FileStore{
		path:   path,
		lock:   lock,
		state:  fileState{Items: make(map[string]itemState)},
		logger: logger.WithComponent("dedup"),
	}

	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable dedup state")
		s.state = fileState{Items: make(map[string]itemState)}
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read dedup state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("failed to parse dedup state: %w", err)
	}
	if s.state.Items == nil {
		s.state.Items = make(map[string]itemState)
	}
	return nil
}

// Seen returns the batches seen last time for item
func (s *FileStore) Seen(item string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Items[item].SeenBatches
}

// SetSeen replaces the seen batches of item
func (s *FileStore) SetSeen(item string, batches []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Items[item] = itemState{SeenBatches: batches}
}

// Save writes the state through a temporary file
func (s *FileStore) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode dedup state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write dedup state: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("failed to rename dedup state: %w", err)
	}
	return nil
}

// Close releases the lock
func (s *FileStore) Close() error {
	return s.lock.Release()
}
