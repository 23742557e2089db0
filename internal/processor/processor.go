// Package processor handles a received logwatch section: it drops batches
// that were already handled, reclassifies the remaining lines, forwards them
// to the event console and summarises the outcome as check results.
package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/dedup"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reclassify"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Forwarder delivers the messages of one cycle
type Forwarder interface {
	Forward(ctx context.Context, messages []types.SyslogMessage) types.ForwardResult
}

// Options configure a Processor
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracing *tracing.Provider
	Now     func() time.Time
}

// Processor handles the sections of one host
type Processor struct {
	cfg          config.ForwardConfig
	store        dedup.Store
	reclassifier *reclassify.Reclassifier
	forwarder    Forwarder
	logger       *logging.Logger
	metrics      *metrics.Collector
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates a processor. Reclassification rules that do not compile are
// logged and skipped.
func New(cfg config.ForwardConfig, store dedup.Store, fwd Forwarder, opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = dedup.MemoryStore{}
	}

	p := &Processor{
		cfg:       cfg,
		store:     store,
		forwarder: fwd,
		logger:    opts.Logger.WithComponent("processor").WithField("host", cfg.HostName),
		metrics:   opts.Metrics,
		tracer:    tracing.Tracer(opts.Tracing),
		now:       opts.Now,
	}

	r, errs := reclassify.New(cfg.Reclassify)
	for _, err := range errs {
		p.logger.Warn().Err(err).Msg("Skipping reclassification rule")
	}
	p.reclassifier = r
	return p
}

// ItemOutcome is what happened to the lines of one log file
type ItemOutcome struct {
	Item string
	Attr types.ItemAttr
	// Counts holds the new lines by level after reclassification
	Counts map[types.Level]int
	// Kept are the info and context lines, which are never forwarded
	Kept    []string
	Results []types.CheckResult
}

// Messages returns the number of lines handed to the forwarder
func (o ItemOutcome) Messages() int {
	return o.Counts[types.LevelCritical] + o.Counts[types.LevelWarning] + o.Counts[types.LevelOk]
}

// Report is the outcome of one Process call
type Report struct {
	ConfigErrors []types.CheckResult
	Items        []ItemOutcome
	Forward      types.ForwardResult
	Results      []types.CheckResult
}

// State returns the worst state of all results
func (r *Report) State() types.CheckState {
	state := types.StateOK
	for _, res := range r.Summary() {
		state = Worst(state, res.State)
	}
	return state
}

// Summary lists configuration errors, item results prefixed by their item,
// and the forwarding results
func (r *Report) Summary() []types.CheckResult {
	var out []types.CheckResult
	out = append(out, r.ConfigErrors...)
	for _, item := range r.Items {
		for _, res := range item.Results {
			out = append(out, types.CheckResult{State: res.State, Text: item.Item + ": " + res.Text})
		}
	}
	return append(out, r.Results...)
}

// Worst orders states the monitoring way: CRIT over UNKNOWN over WARN
func Worst(a, b types.CheckState) types.CheckState {
	rank := func(s types.CheckState) int {
		switch s {
		case types.StateCrit:
			return 3
		case types.StateUnknown:
			return 2
		case types.StateWarn:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Process handles one section. Forwarding problems end up in the report and
// never fail the call.
func (p *Processor) Process(ctx context.Context, sec *types.Section) *Report {
	ctx, span := tracing.TraceProcess(ctx, p.tracer, p.cfg.HostName, len(sec.Logfiles))
	defer span.End()

	report := &Report{}
	for _, line := range sec.Errors {
		report.ConfigErrors = append(report.ConfigErrors, types.CheckResult{State: types.StateWarn, Text: line})
	}

	items := make([]string, 0, len(sec.Logfiles))
	for item := range sec.Logfiles {
		items = append(items, item)
	}
	sort.Strings(items)

	now := p.now()
	var messages []types.SyslogMessage
	for _, item := range items {
		outcome, msgs := p.processItem(item, sec.Logfiles[item], now)
		report.Items = append(report.Items, outcome)
		messages = append(messages, msgs...)
	}

	// an empty cycle still gives the transport a chance to drain its spool
	report.Forward = p.forwarder.Forward(ctx, messages)
	report.Results = report.Forward.CheckResults()
	if len(report.Results) == 0 {
		report.Results = []types.CheckResult{{State: types.StateOK, Text: "Forwarded 0 messages"}}
	}

	if s, ok := p.store.(interface{ Save() error }); ok {
		if err := s.Save(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to save deduplication state")
			report.Results = append(report.Results, types.CheckResult{
				State: types.StateWarn,
				Text:  fmt.Sprintf("Failed to save deduplication state: %v", err),
			})
		}
	}

	span.SetAttributes(
		attribute.Int("logwatch.messages", len(messages)),
		attribute.String("logwatch.state", report.State().String()),
	)
	return report
}

func (p *Processor) processItem(item string, data *types.ItemData, now time.Time) (ItemOutcome, []types.SyslogMessage) {
	out := ItemOutcome{Item: item, Counts: make(map[types.Level]int)}
	if data == nil {
		out.Attr = types.AttrOK
		out.Results = []types.CheckResult{{State: types.StateOK, Text: "No new messages"}}
		return out, nil
	}
	out.Attr = data.Attr

	switch data.Attr {
	case types.AttrMissing:
		out.Results = []types.CheckResult{{State: types.StateUnknown, Text: "log file not found"}}
		return out, nil
	case types.AttrCannotOpen:
		out.Results = []types.CheckResult{{State: types.StateCrit, Text: "could not open"}}
		return out, nil
	}

	var messages []types.SyslogMessage
	for _, line := range dedup.ExtractUnseen(p.store, item, data) {
		level, text, ok := reclassify.Line(line)
		if !ok {
			p.logger.Debug().Str("item", item).Str("line", line).Msg("Ignoring malformed line")
			continue
		}

		if to := p.reclassifier.Reclassify(level, text); to != level {
			p.metrics.RecordReclassified(level.String(), to.String())
			level = to
		}
		out.Counts[level]++

		severity, forward := types.SeverityFor(level)
		if !forward {
			out.Kept = append(out.Kept, level.String()+" "+text)
			continue
		}
		messages = append(messages, types.SyslogMessage{
			Facility:     p.cfg.Facility,
			Severity:     severity,
			Timestamp:    now,
			HostName:     p.cfg.HostName,
			Application:  item,
			Text:         text,
			ServiceLevel: p.cfg.ServiceLevel,
			IPAddress:    p.cfg.IPAddress,
		})
	}

	text := "No new messages"
	if n := len(messages); n > 0 {
		text = fmt.Sprintf("%d new messages (%d C, %d W, %d O)", n,
			out.Counts[types.LevelCritical], out.Counts[types.LevelWarning], out.Counts[types.LevelOk])
	}
	out.Results = []types.CheckResult{{State: types.StateOK, Text: text}}

	p.logger.Debug().
		Str("item", item).
		Int("messages", len(messages)).
		Int("kept", len(out.Kept)).
		Msg("Processed item")
	return out, messages
}
