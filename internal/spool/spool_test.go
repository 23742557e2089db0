package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/filelock"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

var now = time.Unix(1700000000, 0)

func openSpool(t *testing.T, cfg config.SpoolConfig) *Spool {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "spool")
	}
	s, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeChunk(t *testing.T, dir string, at time.Time, messages ...string) string {
	t.Helper()
	data, err := json.Marshal(types.SpoolChunk{Messages: messages})
	require.NoError(t, err)
	path := filepath.Join(dir, ChunkName(at))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func spoolFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), filePrefix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestChunkName(t *testing.T) {
	assert.Equal(t, "spool.1700000000.00", ChunkName(now))
	assert.Equal(t, "spool.1700000000.25", ChunkName(now.Add(250*time.Millisecond)))

	at, ok := parseChunkName("spool.1700000000.25")
	require.True(t, ok)
	assert.Equal(t, now.Add(250*time.Millisecond), at)

	_, ok = parseChunkName(".spool.1700000000.25.tmp")
	assert.False(t, ok)
	_, ok = parseChunkName("spool.abc")
	assert.False(t, ok)
}

func TestLoadDropsExpiredChunks(t *testing.T) {
	m := metrics.NewCollector()
	dir := filepath.Join(t.TempDir(), "spool")
	s, err := Open(context.Background(), config.SpoolConfig{Dir: dir, MaxAge: 60 * time.Second}, Options{Metrics: m})
	require.NoError(t, err)
	defer s.Close()

	writeChunk(t, dir, now.Add(-120*time.Second), "m1", "m2", "m3")
	fresh := writeChunk(t, dir, now.Add(-30*time.Second), "m4")

	chunks, dropped, err := s.Load(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)
	require.Len(t, chunks, 1)
	assert.Equal(t, fresh, chunks[0].Path)
	assert.Equal(t, []string{"m4"}, chunks[0].Messages)
	assert.Equal(t, now.Add(-30*time.Second), chunks[0].SpooledAt)

	assert.Equal(t, []string{filepath.Base(fresh)}, spoolFiles(t, dir))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SpoolEvicted.WithLabelValues(EvictAge)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpoolChunks))
}

func TestLoadEvictsDownToHalfMaxSize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(dir, 0755))

	payload := strings.Repeat("x", 90)
	var total int64
	for i := 0; i < 10; i++ {
		p := writeChunk(t, dir, now.Add(time.Duration(i-10)*time.Second), fmt.Sprintf("%d-%s", i, payload))
		fi, err := os.Stat(p)
		require.NoError(t, err)
		total += fi.Size()
	}

	maxSize := total - 1
	s := openSpool(t, config.SpoolConfig{Dir: dir, MaxAge: time.Hour, MaxSize: maxSize})

	chunks, dropped, err := s.Load(context.Background(), now)
	require.NoError(t, err)

	var kept int64
	for _, c := range chunks {
		kept += c.Size
	}
	assert.LessOrEqual(t, kept, maxSize/2)
	assert.Equal(t, 10-len(chunks), dropped)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasPrefix(chunks[len(chunks)-1].Messages[0], "9-"), "newest chunks survive")
	assert.True(t, strings.HasPrefix(chunks[0].Messages[0], fmt.Sprintf("%d-", 10-len(chunks))))

	usage, n, err := s.Usage()
	require.NoError(t, err)
	assert.Equal(t, kept, usage)
	assert.Equal(t, len(chunks), n)
}

func TestLoadKeepsSpoolUnderBudget(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(dir, 0755))
	writeChunk(t, dir, now.Add(-2*time.Second), "a")
	writeChunk(t, dir, now.Add(-time.Second), "b")

	s := openSpool(t, config.SpoolConfig{Dir: dir, MaxSize: 1 << 20})
	chunks, dropped, err := s.Load(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"a"}, chunks[0].Messages)
	assert.Equal(t, []string{"b"}, chunks[1].Messages)
}

func TestLoadRemovesDrainedAndCorruptChunks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ChunkName(now.Add(-3*time.Second))), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ChunkName(now.Add(-2*time.Second))), []byte("[]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ChunkName(now.Add(-time.Second))), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0644))

	s := openSpool(t, config.SpoolConfig{Dir: dir})
	chunks, dropped, err := s.Load(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, dropped)
	assert.Empty(t, spoolFiles(t, dir))
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))
}

func TestStoreSplitsChunks(t *testing.T) {
	s := openSpool(t, config.SpoolConfig{MaxChunkSize: 26})

	stored, err := s.Store(context.Background(), now, []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []string{"aaaaaaaaaa", "bbbbbbbbbb"}, stored[0].Messages)
	assert.Equal(t, []string{"cccccccccc"}, stored[1].Messages)
	assert.NotEqual(t, stored[0].Path, stored[1].Path)

	chunks, _, err := s.Load(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, stored[0].Messages, chunks[0].Messages)
	assert.Equal(t, stored[1].Messages, chunks[1].Messages)
}

func TestStoreOversizedMessage(t *testing.T) {
	s := openSpool(t, config.SpoolConfig{MaxChunkSize: 4})

	stored, err := s.Store(context.Background(), now, []string{"longer than four", "x"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []string{"longer than four"}, stored[0].Messages)
}

func TestStoreAvoidsNameCollision(t *testing.T) {
	s := openSpool(t, config.SpoolConfig{})

	first, err := s.Store(context.Background(), now, []string{"one"})
	require.NoError(t, err)
	second, err := s.Store(context.Background(), now, []string{"two"})
	require.NoError(t, err)

	assert.Equal(t, "spool.1700000000.00", filepath.Base(first[0].Path))
	assert.Equal(t, "spool.1700000000.01", filepath.Base(second[0].Path))
}

func TestRewriteAndRemove(t *testing.T) {
	s := openSpool(t, config.SpoolConfig{})

	stored, err := s.Store(context.Background(), now, []string{"a", "b", "c"})
	require.NoError(t, err)
	c := stored[0]

	require.NoError(t, s.Rewrite(c, []string{"c"}))
	chunks, _, err := s.Load(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"c"}, chunks[0].Messages)
	assert.Equal(t, 3, chunks[0].PreviouslySpooled)

	require.NoError(t, s.Rewrite(chunks[0], nil))
	assert.NoFileExists(t, c.Path)
	assert.NoError(t, s.Remove(c), "removing twice is not an error")
}

func TestOpenWaitsForLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are not enforced on windows")
	}
	dir := filepath.Join(t.TempDir(), "spool")
	held, err := filelock.TryLock(filepath.Join(dir, lockName))
	require.NoError(t, err)

	_, err = Open(context.Background(), config.SpoolConfig{Dir: dir}, Options{
		LockRetry: reliability.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond},
	})
	assert.ErrorIs(t, err, filelock.ErrLocked)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	s, err := Open(context.Background(), config.SpoolConfig{Dir: dir}, Options{
		LockRetry: reliability.RetryConfig{MaxRetries: 50, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
