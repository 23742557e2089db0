// Package shutdown stops watch mode cleanly on SIGINT or SIGTERM. Cleanup
// functions run in reverse registration order so the tailer stops before the
// state it writes is released.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
)

// Func performs cleanup during shutdown
type Func func(context.Context) error

type namedFunc struct {
	name string
	fn   Func
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// Manager handles graceful shutdown of watch mode
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedFunc
	err   error

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup function. Later registrations run first.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("name", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Context is cancelled as soon as shutdown starts
func (m *Manager) Context() context.Context {
	return m.ctx
}

// WaitForSignal blocks until a shutdown signal is received or Shutdown is
// called, then waits for the cleanup to finish
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.ctx.Done():
	}
	<-m.done
}

// Shutdown cancels the context and runs the cleanup functions once
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.cancel()
		go m.run()
	})
}

func (m *Manager) run() {
	defer close(m.done)

	m.mu.Lock()
	funcs := make([]namedFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			if err := f.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("name", f.name).Msg("Shutdown function failed")
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
		}
		finished <- errors.Join(errs...)
	}()

	var err error
	select {
	case err = <-finished:
		if err != nil {
			m.logger.Warn().Err(err).Msg("Graceful shutdown completed with errors")
		} else {
			m.logger.Info().Msg("Graceful shutdown completed")
		}
	case <-ctx.Done():
		err = fmt.Errorf("shutdown did not complete within %v", m.timeout)
		m.logger.Warn().Dur("timeout", m.timeout).Msg("Graceful shutdown timed out")
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Done is closed when the cleanup has finished or timed out
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the cleanup errors once Done is closed
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return m.Err()
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}
