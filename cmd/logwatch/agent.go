package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/forward"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/section"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/server"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

type agentOptions struct {
	configFile string
	configDir  string
	stateDir   string
	debug      bool
	noState    bool
	watch      bool
	forward    bool
	method     string
}

func newAgentCmd(g *globalOptions) *cobra.Command {
	o := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Write the logwatch section for all configured log files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, g, o)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.configFile, "config-file", "c", "", "Read only this logwatch config file")
	flags.StringVar(&o.configDir, "config-dir", "", "Directory holding logwatch.cfg and logwatch.d/")
	flags.StringVar(&o.stateDir, "state-dir", "", "Directory holding the state files, including the forwarding state")
	flags.BoolVarP(&o.debug, "debug", "d", false, "Read files never seen before from the start")
	flags.BoolVar(&o.noState, "no-state", false, "Read the state file but never write it")
	flags.BoolVar(&o.watch, "watch", false, "Keep running and process files whenever they change")
	flags.BoolVar(&o.forward, "forward", false, "Forward the section instead of printing it")
	flags.StringVar(&o.method, "method", "", "Forward method used with --forward (default from service config)")
	return cmd
}

// apply lets explicitly set flags override the service config
func (o *agentOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("config-file") {
		cfg.Agent.ConfigFile = o.configFile
	}
	if flags.Changed("config-dir") {
		cfg.Agent.ConfigDir = o.configDir
	}
	if flags.Changed("state-dir") {
		cfg.Agent.StateDir = o.stateDir
		cfg.Forward.StateDir = o.stateDir
	}
	if flags.Changed("debug") {
		cfg.Agent.Debug = o.debug
	}
	if flags.Changed("no-state") {
		cfg.Agent.NoState = o.noState
	}
}

func runAgent(cmd *cobra.Command, g *globalOptions, o *agentOptions) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	o.apply(cmd.Flags(), cfg)
	logger := g.newLogger(cmd, cfg)

	if o.watch {
		return runWatch(cmd, cfg, o, logger)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newAgent(ctx, cfg, o, logger, nil, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.tailer.Run(ctx)
	if err != nil {
		return err
	}
	state, err := a.handle(ctx, res)
	if err != nil {
		return err
	}
	return stateError(state)
}

// agent ties the tailer to its output: the section on stdout, or the
// forwarding pipeline
type agent struct {
	out      io.Writer
	tty      bool
	store    *checkpoint.Tracker
	tailer   *tailer.Tailer
	pipeline *pipeline
	tracing  *tracing.Provider
	logger   *logging.Logger
}

func newAgent(ctx context.Context, cfg *config.Config, o *agentOptions, logger *logging.Logger, m *metrics.Collector, out io.Writer) (*agent, error) {
	lw := config.LoadLogwatch(config.ConfigFiles(cfg.Agent.ConfigDir, cfg.Agent.ConfigFile))

	tty := section.IsTerminal(out)
	statusFile := config.StatusFilename(cfg.Agent.StateDir, cfg.Agent.Remote, lw.Clusters, tty)
	// debug runs read from the start and must not move the positions
	persist := !cfg.Agent.NoState && !cfg.Agent.Debug
	if persist {
		if err := config.SeedStateFile(cfg.Agent.StateDir, statusFile); err != nil {
			logger.Warn().Err(err).Str("path", statusFile).Msg("Failed to seed state file")
		}
	}

	store, err := checkpoint.Open(statusFile, checkpoint.Options{
		Persist: persist,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	tp, err := newTracing(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &agent{
		out:     out,
		tty:     tty,
		store:   store,
		tracing: tp,
		logger:  logger.WithComponent("agent"),
	}

	if o.forward {
		a.pipeline, err = newPipeline(cfg, o.method, cfg.Agent.NoState, logger, m, tp)
		if err != nil {
			tp.Shutdown(context.Background())
			store.Close()
			return nil, err
		}
	}

	a.tailer = tailer.New(lw, store, tailer.Options{
		Workers:    cfg.Agent.Workers,
		JobTimeout: cfg.Agent.JobTimeout,
		Debug:      cfg.Agent.Debug,
		Logger:     logger,
		Metrics:    m,
		Tracing:    tp,
	})
	return a, nil
}

// handle writes or forwards one run, then commits the positions. Positions
// are only saved once the output is out.
func (a *agent) handle(ctx context.Context, res *tailer.RunResult) (types.CheckState, error) {
	state := types.StateOK

	if a.pipeline == nil {
		if err := res.Emit(section.NewWriter(a.out, a.tty)); err != nil {
			return types.StateUnknown, fmt.Errorf("failed to write section: %w", err)
		}
	} else {
		var buf bytes.Buffer
		if err := res.Emit(section.NewWriter(&buf, false)); err != nil {
			return types.StateUnknown, fmt.Errorf("failed to write section: %w", err)
		}
		var err error
		if state, err = a.pipeline.process(ctx, &buf, a.out); err != nil {
			return types.StateUnknown, err
		}
	}

	if err := a.store.Save(); err != nil {
		return types.StateUnknown, err
	}
	return state, nil
}

// Close stops the tailer and releases the state files
func (a *agent) Close() error {
	a.tailer.Close()
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	errs = append(errs, a.store.Close(), a.tracing.Shutdown(context.Background()))
	return errors.Join(errs...)
}

func runWatch(cmd *cobra.Command, cfg *config.Config, o *agentOptions, logger *logging.Logger) error {
	mgr := shutdown.New(shutdown.Config{Logger: logger})
	ctx := mgr.Context()

	m := metrics.NewCollector()
	m.Start()
	mgr.Register("metrics", func(context.Context) error {
		m.Stop()
		return nil
	})

	a, err := newAgent(ctx, cfg, o, logger, m, cmd.OutOrStdout())
	if err != nil {
		mgr.Shutdown()
		<-mgr.Done()
		return err
	}
	mgr.Register("agent", func(context.Context) error { return a.Close() })

	tracker := &health.RunTracker{}
	srv, err := startServer(cfg, a, tracker, m, logger)
	if err != nil {
		mgr.Shutdown()
		<-mgr.Done()
		return err
	}
	mgr.Register("server", srv.Stop)

	watchErr := make(chan error, 1)
	// registered last so the watcher has stopped before anything is released
	mgr.Register("watch", func(ctx context.Context) error {
		select {
		case err := <-watchErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		watchErr <- a.tailer.Watch(ctx, cfg.Agent.WatchDebounce, func(ctx context.Context, res *tailer.RunResult) error {
			state, err := a.handle(ctx, res)
			tracker.Record(time.Now(), err)
			if err != nil {
				a.logger.Error().Err(err).Str("batch_id", res.BatchID).Msg("Failed to handle run")
				return nil
			}
			a.logger.Info().Str("batch_id", res.BatchID).Str("state", state.String()).Msg("Run handled")
			return nil
		})
		mgr.Shutdown()
	}()

	mgr.WaitForSignal()
	return mgr.Err()
}

// startServer serves metrics and health when the service config enables them
func startServer(cfg *config.Config, a *agent, tracker *health.RunTracker, m *metrics.Collector, logger *logging.Logger) (*server.Server, error) {
	scfg := server.Config{Logger: logger}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		scfg.MetricsAddress = cfg.Metrics.Address
		scfg.MetricsPath = cfg.Metrics.Path
		scfg.MetricsRegistry = m.Registry()
		scfg.Profiling = cfg.Metrics.Profiling
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		checker := health.NewChecker(cfg.Health.Timeout, m)
		checker.Register("tailer", health.RunCheck(tracker, 0, nil))
		if a.pipeline != nil {
			if method := a.pipeline.forwarder.Method(); method.Kind == forward.KindTCP && method.Config.Spool != nil {
				checker.Register("spool", health.SpoolCheck(method.Config.Spool.Dir, method.Config.Spool.MaxSize))
			}
		}
		scfg.HealthAddress = cfg.Health.Address
		scfg.LivenessPath = cfg.Health.LivenessPath
		scfg.ReadinessPath = cfg.Health.ReadinessPath
		scfg.HealthChecker = checker
	}

	srv := server.New(scfg)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}
