package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/dedup"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/forward"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/processor"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/section"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

type forwardOptions struct {
	method  string
	noState bool
}

func newForwardCmd(g *globalOptions) *cobra.Command {
	o := &forwardOptions{}
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Read a logwatch section from stdin and forward its new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForward(cmd, g, o)
		},
	}
	cmd.Flags().StringVar(&o.method, "method", "", "Forward method: tcp:host:port, udp:host:port, spool:dir or a socket/pipe path (default from service config)")
	cmd.Flags().BoolVar(&o.noState, "no-state", false, "Do not remember which batches were forwarded")
	return cmd
}

func runForward(cmd *cobra.Command, g *globalOptions, o *forwardOptions) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	logger := g.newLogger(cmd, cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tp, err := newTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	p, err := newPipeline(cfg, o.method, o.noState, logger, nil, tp)
	if err != nil {
		return err
	}
	defer p.Close()

	state, err := p.process(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return stateError(state)
}

// resolveMethod prefers the textual method over the service config
func resolveMethod(cfg *config.Config, spec string) (forward.Method, error) {
	if spec != "" {
		return forward.ParseMethod(spec, cfg.Forward.StateDir)
	}
	return forward.MethodFromConfig(cfg.Forward.Method)
}

// pipeline is the consuming side: section in, check results out
type pipeline struct {
	forwarder *forward.Forwarder
	store     *dedup.FileStore
	processor *processor.Processor
}

func newPipeline(cfg *config.Config, methodSpec string, noState bool, logger *logging.Logger, m *metrics.Collector, tp *tracing.Provider) (*pipeline, error) {
	method, err := resolveMethod(cfg, methodSpec)
	if err != nil {
		return nil, err
	}

	fwd, err := forward.New(method, forward.Options{Logger: logger, Metrics: m, Tracing: tp})
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder: %w", err)
	}

	p := &pipeline{forwarder: fwd}
	var store dedup.Store = dedup.MemoryStore{}
	if !noState {
		p.store, err = dedup.OpenFileStore(cfg.Forward.StateDir, cfg.Forward.HostName, logger)
		if err != nil {
			fwd.Close()
			return nil, err
		}
		store = p.store
	}

	p.processor = processor.New(cfg.Forward, store, fwd, processor.Options{
		Logger:  logger,
		Metrics: m,
		Tracing: tp,
	})
	return p, nil
}

// process handles one section and prints one result per line
func (p *pipeline) process(ctx context.Context, r io.Reader, w io.Writer) (types.CheckState, error) {
	sec, err := section.Parse(r)
	if err != nil {
		return types.StateUnknown, fmt.Errorf("failed to parse section: %w", err)
	}

	report := p.processor.Process(ctx, sec)
	for _, res := range report.Summary() {
		if _, err := fmt.Fprintln(w, res.String()); err != nil {
			return types.StateUnknown, err
		}
	}
	return report.State(), nil
}

func (p *pipeline) Close() error {
	err := p.forwarder.Close()
	if p.store != nil {
		err = errors.Join(err, p.store.Close())
	}
	return err
}
