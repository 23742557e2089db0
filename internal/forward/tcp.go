package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/security"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/spool"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

type tcpOptions struct {
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

// tcpTransport sends messages over one connection per attempt and keeps
// whatever could not be delivered in its spool for the next attempt
type tcpTransport struct {
	addr      string
	timeout   time.Duration
	spoolCfg  config.SpoolConfig
	tlsConfig *tls.Config
	retry     *reliability.RetryConfig
	breaker   *reliability.CircuitBreaker
	opts      tcpOptions
}

func newTCPTransport(m Method, opts tcpOptions) (*tcpTransport, error) {
	cfg := m.Config
	tlsConfig, err := security.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil && tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Address
	}

	t := &tcpTransport{
		addr:      m.Address(),
		timeout:   cfg.ConnectTimeout,
		tlsConfig: tlsConfig,
		breaker:   reliability.NewBreakerFromConfig(m.String(), cfg.CircuitBreaker, opts.metrics),
		opts:      opts,
	}
	if cfg.Spool != nil {
		t.spoolCfg = *cfg.Spool
	}
	if cfg.Retry != nil {
		rc := reliability.RetryConfigFrom(cfg.Retry)
		t.retry = &rc
	}
	return t, nil
}

func (t *tcpTransport) Send(ctx context.Context, messages []string) types.ForwardResult {
	var res types.ForwardResult
	now := t.opts.now()
	logger := t.opts.logger

	sp, err := spool.Open(ctx, t.spoolCfg, spool.Options{
		Logger:  logger,
		Metrics: t.opts.metrics,
		Tracer:  t.opts.tracer,
	})
	var chunks []*types.SpoolChunk
	if err != nil {
		logger.Error().Err(err).Msg("Spool is not available")
		res.Exception = err.Error()
	} else {
		defer sp.Close()
		loaded, dropped, err := sp.Load(ctx, now)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load spooled messages")
			res.Exception = err.Error()
		}
		res.Dropped += dropped
		chunks = loaded
	}

	if len(messages) > 0 {
		chunks = append(chunks, &types.SpoolChunk{SpooledAt: now, Messages: messages})
	}
	if len(chunks) == 0 {
		return res
	}

	sent := make([]int, len(chunks))
	conn, err := t.connect(ctx)
	if err != nil {
		res.Exception = err.Error()
	} else {
		if err := t.deliver(conn, chunks, sent); err != nil {
			res.Exception = err.Error()
		}
		conn.Close()
	}

	for i, c := range chunks {
		res.Forwarded += sent[i]
		remaining := c.Messages[sent[i]:]

		if c.Path == "" {
			res.Merge(t.spoolNew(ctx, sp, now, remaining))
			continue
		}

		if sent[i] > 0 {
			if err := sp.Rewrite(c, remaining); err != nil {
				logger.Error().Err(err).Str("chunk", c.Path).Msg("Failed to update spool chunk")
			}
		}
		res.Spooled += len(remaining)
	}

	if sp != nil {
		if _, _, err := sp.Usage(); err != nil {
			logger.Debug().Err(err).Msg("Failed to measure spool")
		}
	}
	return res
}

// spoolNew keeps the undelivered part of the current batch
func (t *tcpTransport) spoolNew(ctx context.Context, sp *spool.Spool, now time.Time, remaining []string) types.ForwardResult {
	if len(remaining) == 0 {
		return types.ForwardResult{}
	}
	if sp == nil {
		return types.ForwardResult{Dropped: len(remaining)}
	}

	stored, err := sp.Store(ctx, now, remaining)
	var n int
	for _, c := range stored {
		n += len(c.Messages)
	}
	res := types.ForwardResult{Spooled: n, Dropped: len(remaining) - n}
	if err != nil {
		t.opts.logger.Error().Err(err).Int("messages", res.Dropped).Msg("Failed to spool messages")
		res.Exception = err.Error()
	}
	return res
}

// connect dials the event console through the circuit breaker, retrying
// when configured
func (t *tcpTransport) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	attempt := func(ctx context.Context) error {
		return t.breaker.Execute(func() error {
			c, err := t.dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
	}

	var err error
	if t.retry == nil {
		err = attempt(ctx)
	} else {
		err = reliability.Retry(ctx, *t.retry, attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}
	return conn, nil
}

func (t *tcpTransport) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.timeout}
	if t.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: t.tlsConfig}
		return td.DialContext(ctx, "tcp", t.addr)
	}
	return d.DialContext(ctx, "tcp", t.addr)
}

// deliver writes the chunks in order and records how many messages of each
// chunk went out. It stops at the first failed write.
func (t *tcpTransport) deliver(conn net.Conn, chunks []*types.SpoolChunk, sent []int) error {
	for i, c := range chunks {
		for _, msg := range c.Messages {
			if t.timeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(t.timeout))
			}
			if _, err := io.WriteString(conn, msg+"\n"); err != nil {
				return fmt.Errorf("failed to send to %s: %w", t.addr, err)
			}
			sent[i]++
		}
	}
	return nil
}

func (t *tcpTransport) Close() error {
	return nil
}
