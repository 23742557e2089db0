package tailer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/worker"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// SectionWriter receives the parts of a logwatch section in output order
type SectionWriter interface {
	Begin() error
	ConfigError(line string) error
	Missing(path string) error
	CannotOpen(path string) error
	File(path string) error
	Batch(id string) error
	Line(level types.Level, text string) error
}

// Options configure a Tailer
type Options struct {
	Workers    int
	JobTimeout time.Duration
	// Debug reads unseen files from the start
	Debug   bool
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracing *tracing.Provider
	Now     func() time.Time
}

// Tailer runs the configured log files through the classifier, one worker
// job per file
type Tailer struct {
	cfg     *config.Logwatch
	store   PositionStore
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	pool    *worker.WorkerPool
}

// New creates a tailer and starts its worker pool. Close stops it.
func New(cfg *config.Logwatch, store PositionStore, opts Options) *Tailer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	pool := worker.NewWorkerPool(worker.PoolConfig{
		NumWorkers: opts.Workers,
		JobTimeout: opts.JobTimeout,
		Metrics:    opts.Metrics,
	})
	pool.Start()

	return &Tailer{
		cfg:     cfg,
		store:   store,
		opts:    opts,
		logger:  opts.Logger.WithComponent("tailer"),
		metrics: opts.Metrics,
		tracer:  tracing.Tracer(opts.Tracing),
		pool:    pool,
	}
}

// Close stops the worker pool
func (t *Tailer) Close() {
	t.pool.Stop()
}

// RunResult is everything one run contributes to the section
type RunResult struct {
	BatchID string
	Errors  []string
	Missing []string
	Files   []FileResult
}

// NewBatchID returns a batch id that sorts by creation time
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("%010d-%s", now.Unix(), uuid.New().String())
}

// Run processes every configured log file once. Files are processed
// concurrently; results keep path order. A cancelled context stops the
// run early: files already started keep the position they reached.
func (t *Tailer) Run(ctx context.Context) (*RunResult, error) {
	start := t.opts.Now()
	sections, missing := Discover(t.cfg.Logfiles)

	res := &RunResult{
		BatchID: NewBatchID(start),
		Missing: missing,
		Files:   make([]FileResult, len(sections)),
	}
	for _, e := range t.cfg.Errors {
		res.Errors = append(res.Errors, e.SectionLine())
	}

	ctx, span := tracing.TraceRun(ctx, t.tracer, res.BatchID, len(sections))
	defer span.End()

	// files never submitted still get a header
	for i, sec := range sections {
		res.Files[i] = FileResult{Path: sec.Path, Attr: types.AttrOK, Worst: -1}
	}

	pending := make([]<-chan error, len(sections))
	for i, sec := range sections {
		i, sec := i, sec
		ch, err := t.pool.Go(ctx, func(ctx context.Context) error {
			res.Files[i] = t.processFile(ctx, sec)
			return res.Files[i].Err
		})
		if err != nil {
			t.logger.Warn().Err(err).Str("path", sec.Path).Msg("Run aborted before file was processed")
			break
		}
		pending[i] = ch
	}

	var runErr error
	for i, ch := range pending {
		if ch == nil {
			continue
		}
		if err := <-ch; err != nil {
			t.logger.Debug().Err(err).Str("path", sections[i].Path).Msg("File processed with error")
		}
	}
	if err := ctx.Err(); err != nil {
		runErr = fmt.Errorf("run interrupted: %w", err)
		tracing.RecordError(ctx, runErr)
	}

	t.metrics.RecordRun(t.opts.Now().Sub(start), len(res.Missing), len(res.Errors))
	t.logger.Info().
		Str("batch_id", res.BatchID).
		Int("files", len(sections)).
		Int("missing", len(missing)).
		Int("config_errors", len(res.Errors)).
		Msg("Run completed")

	return res, runErr
}

func (t *Tailer) processFile(ctx context.Context, sec *Section) FileResult {
	ctx, span := tracing.TraceFile(ctx, t.tracer, sec.Path)
	defer span.End()

	start := time.Now()
	res := ProcessFile(ctx, sec, t.store, ProcessOptions{Debug: t.opts.Debug, Now: t.opts.Now})

	span.SetAttributes(
		attribute.String("logfile.attr", string(res.Attr)),
		attribute.Int("logfile.lines_parsed", res.LinesParsed),
		attribute.Int64("logfile.offset", res.Offset),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}

	t.metrics.RecordFile(string(res.Attr), time.Since(start))
	for _, l := range res.Lines {
		t.metrics.RecordLine(l.Level.String())
	}
	if res.Overflow != "" {
		t.metrics.RecordOverflow(res.Overflow)
		t.logger.Warn().Str("path", sec.Path).Str("reason", res.Overflow).Msg("Log file overflow")
	}

	if res.Attr == types.AttrCannotOpen {
		t.logger.Warn().Err(res.Err).Str("path", sec.Path).Msg("Cannot open log file")
	} else {
		t.logger.Debug().
			Str("path", sec.Path).
			Int("lines_parsed", res.LinesParsed).
			Int("lines", len(res.Lines)).
			Int64("offset", res.Offset).
			Msg("Processed log file")
	}
	return res
}

// Emit writes the run result as a section
func (r *RunResult) Emit(w SectionWriter) error {
	if err := w.Begin(); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if err := w.ConfigError(e); err != nil {
			return err
		}
	}
	for _, m := range r.Missing {
		if err := w.Missing(m); err != nil {
			return err
		}
	}

	for _, f := range r.Files {
		if f.Attr == types.AttrCannotOpen {
			if err := w.CannotOpen(f.Path); err != nil {
				return err
			}
			continue
		}
		if err := w.File(f.Path); err != nil {
			return err
		}
		if len(f.Lines) == 0 {
			continue
		}
		if err := w.Batch(r.BatchID); err != nil {
			return err
		}
		for _, l := range f.Lines {
			if err := w.Line(l.Level, l.Text); err != nil {
				return err
			}
		}
	}
	return nil
}
