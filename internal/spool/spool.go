// Package spool keeps undelivered forward messages on disk until the
// network transport can deliver them.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/filelock"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

const (
	filePrefix = "spool."
	lockName   = ".lock"

	// drained chunks are left empty or as an empty JSON document
	drainedSize = 2
)

// Eviction reasons
const (
	EvictAge  = "age"
	EvictSize = "size"
)

// Options configure a Spool
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	// LockRetry controls how long Open waits for a concurrent forwarder
	LockRetry reliability.RetryConfig
}

// Spool is an open, locked spool directory
type Spool struct {
	cfg     config.SpoolConfig
	lock    *filelock.Lock
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// Open creates the spool directory if needed and locks it. A lock held by a
// concurrent forwarder is retried with backoff until ctx is done.
func Open(ctx context.Context, cfg config.SpoolConfig, opts Options) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer(nil)
	}
	if opts.LockRetry.MaxRetries == 0 {
		opts.LockRetry = reliability.RetryConfig{
			MaxRetries:     20,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		}
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	var lock *filelock.Lock
	err := reliability.Retry(ctx, opts.LockRetry, func(context.Context) error {
		l, err := filelock.TryLock(filepath.Join(cfg.Dir, lockName))
		if err != nil {
			if errors.Is(err, filelock.ErrLocked) {
				return err
			}
			return reliability.Permanent(err)
		}
		lock = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock spool directory: %w", err)
	}

	return &Spool{
		cfg:     cfg,
		lock:    lock,
		logger:  opts.Logger.WithComponent("spool").WithField("dir", cfg.Dir),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}, nil
}

// Close releases the directory lock
func (s *Spool) Close() error {
	return s.lock.Release()
}

// ChunkName returns the file name of a chunk spooled at t
func ChunkName(t time.Time) string {
	return filePrefix + strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 2, 64)
}

func parseChunkName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return time.Time{}, false
	}
	ts, err := strconv.ParseFloat(strings.TrimPrefix(name, filePrefix), 64)
	if err != nil || ts < 0 {
		return time.Time{}, false
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9)).Round(10 * time.Millisecond), true
}

// Load returns the spooled chunks oldest first. Chunks older than MaxAge are
// removed, then the oldest chunks are removed until the spool is at most
// half of MaxSize if it was over MaxSize. dropped is the number of messages
// removed that way.
func (s *Spool) Load(ctx context.Context, now time.Time) (chunks []*types.SpoolChunk, dropped int, err error) {
	_, span := tracing.TraceSpool(ctx, s.tracer, "load")
	defer span.End()

	all, err := s.readAll()
	if err != nil {
		return nil, 0, err
	}

	var total int64
	for _, c := range all {
		if s.cfg.MaxAge > 0 && now.Sub(c.SpooledAt) > s.cfg.MaxAge {
			s.logger.Warn().
				Str("chunk", filepath.Base(c.Path)).
				Int("messages", len(c.Messages)).
				Dur("age", now.Sub(c.SpooledAt)).
				Msg("Dropping expired spool chunk")
			s.metrics.RecordSpoolEviction(EvictAge, len(c.Messages))
			dropped += len(c.Messages)
			s.remove(c)
			continue
		}
		chunks = append(chunks, c)
		total += c.Size
	}

	if s.cfg.MaxSize > 0 && total > s.cfg.MaxSize {
		for len(chunks) > 0 && total > s.cfg.MaxSize/2 {
			c := chunks[0]
			chunks = chunks[1:]
			total -= c.Size
			s.logger.Warn().
				Str("chunk", filepath.Base(c.Path)).
				Int("messages", len(c.Messages)).
				Int64("spool_bytes", total).
				Msg("Evicting spool chunk over size budget")
			s.metrics.RecordSpoolEviction(EvictSize, len(c.Messages))
			dropped += len(c.Messages)
			s.remove(c)
		}
	}

	span.SetAttributes(
		attribute.Int("spool.chunks", len(chunks)),
		attribute.Int("spool.dropped", dropped),
	)
	s.metrics.RecordSpool(total, len(chunks))
	return chunks, dropped, nil
}

func (s *Spool) readAll() ([]*types.SpoolChunk, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var chunks []*types.SpoolChunk
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		spooledAt, ok := parseChunkName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.cfg.Dir, e.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("chunk", e.Name()).Msg("Skipping unreadable spool chunk")
			continue
		}
		if len(data) == 0 || len(data) == drainedSize {
			os.Remove(path)
			continue
		}

		c := &types.SpoolChunk{}
		if err := json.Unmarshal(data, c); err != nil {
			s.logger.Warn().Err(err).Str("chunk", e.Name()).Msg("Removing corrupt spool chunk")
			os.Remove(path)
			continue
		}
		c.SpooledAt = spooledAt
		c.Path = path
		c.Size = int64(len(data))
		chunks = append(chunks, c)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].SpooledAt.Before(chunks[j].SpooledAt)
	})
	return chunks, nil
}

// Store writes messages as new chunks, split so no chunk exceeds
// MaxChunkSize unless a single message does
func (s *Spool) Store(ctx context.Context, now time.Time, messages []string) ([]*types.SpoolChunk, error) {
	ctx, span := tracing.TraceSpool(ctx, s.tracer, "store")
	defer span.End()

	var stored []*types.SpoolChunk
	spooledAt := now
	for _, part := range s.split(messages) {
		path, err := s.freeName(spooledAt)
		if err != nil {
			return stored, err
		}
		spooledAt, _ = parseChunkName(filepath.Base(path))
		c := &types.SpoolChunk{SpooledAt: spooledAt, Messages: part, Path: path}
		if err := s.write(c); err != nil {
			tracing.RecordError(ctx, err)
			return stored, err
		}
		stored = append(stored, c)
		spooledAt = c.SpooledAt.Add(10 * time.Millisecond)
	}
	span.SetAttributes(attribute.Int("spool.chunks", len(stored)))
	return stored, nil
}

// freeName returns the first unused chunk path at or after t
func (s *Spool) freeName(t time.Time) (string, error) {
	for i := 0; i < 1000; i++ {
		path := filepath.Join(s.cfg.Dir, ChunkName(t))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		t = t.Add(10 * time.Millisecond)
	}
	return "", fmt.Errorf("no free spool chunk name after %s", ChunkName(t))
}

// split groups messages into chunks of at most MaxChunkSize encoded bytes
func (s *Spool) split(messages []string) [][]string {
	if len(messages) == 0 {
		return nil
	}
	limit := s.cfg.MaxChunkSize
	if limit <= 0 {
		return [][]string{messages}
	}

	var parts [][]string
	var cur []string
	var size int64
	for _, m := range messages {
		// quoted string plus separator; escapes are not counted
		n := int64(len(m) + 3)
		if len(cur) > 0 && size+n > limit {
			parts = append(parts, cur)
			cur, size = nil, 0
		}
		cur = append(cur, m)
		size += n
	}
	return append(parts, cur)
}

// Rewrite replaces the messages of a stored chunk with the ones that were
// not delivered. An empty remainder removes the chunk.
func (s *Spool) Rewrite(c *types.SpoolChunk, remaining []string) error {
	if len(remaining) == 0 {
		return s.Remove(c)
	}
	c.PreviouslySpooled = len(c.Messages)
	c.Messages = remaining
	return s.write(c)
}

// Remove deletes a delivered chunk
func (s *Spool) Remove(c *types.SpoolChunk) error {
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spool chunk: %w", err)
	}
	return nil
}

func (s *Spool) remove(c *types.SpoolChunk) {
	if err := s.Remove(c); err != nil {
		s.logger.Error().Err(err).Str("chunk", filepath.Base(c.Path)).Msg("Failed to remove spool chunk")
	}
}

// write stores c through a hidden temporary file in the spool directory
func (s *Spool) write(c *types.SpoolChunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode spool chunk: %w", err)
	}

	tmpFile := filepath.Join(s.cfg.Dir, "."+filepath.Base(c.Path)+".tmp")
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to sync spool file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpFile, c.Path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename spool file: %w", err)
	}
	c.Size = int64(len(data))
	return nil
}

// Usage returns the bytes and number of chunks currently spooled
func (s *Spool) Usage() (int64, int, error) {
	chunks, err := s.readAll()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, c := range chunks {
		total += c.Size
	}
	s.metrics.RecordSpool(total, len(chunks))
	return total, len(chunks), nil
}
