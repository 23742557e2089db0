// Package forward delivers syslog messages built from logwatch lines to the
// event console. Every transport reports what happened to each message in a
// ForwardResult instead of failing the caller.
package forward

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Transport sends rendered messages. Send must account for every message
// it was given, plus anything it reloaded from its own spool.
type Transport interface {
	Send(ctx context.Context, messages []string) types.ForwardResult
	Close() error
}

// Options configure a Forwarder
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracing *tracing.Provider
	Now     func() time.Time
}

// Forwarder sends messages through the transport of one method
type Forwarder struct {
	method    Method
	transport Transport
	logger    *logging.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates the transport of method
func New(method Method, opts Options) (*Forwarder, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	f := &Forwarder{
		method:  method,
		logger:  opts.Logger.WithComponent("forward").WithField("method", method.String()),
		metrics: opts.Metrics,
		tracer:  tracing.Tracer(opts.Tracing),
		now:     opts.Now,
	}

	t, err := f.newTransport()
	if err != nil {
		return nil, err
	}
	f.transport = t
	return f, nil
}

func (f *Forwarder) newTransport() (Transport, error) {
	cfg := f.method.Config
	switch f.method.Kind {
	case KindLocal, KindPipe:
		return newLocalTransport(cfg.Path, cfg.ConnectTimeout), nil
	case KindSpoolDir:
		return newSpoolDirTransport(cfg.Path, cfg.Compression, f.now)
	case KindUDP:
		return newUDPTransport(f.method.Address(), cfg.RateLimit, f.logger)
	case KindTCP:
		return newTCPTransport(f.method, tcpOptions{
			logger:  f.logger,
			metrics: f.metrics,
			tracer:  f.tracer,
			now:     f.now,
		})
	case KindKafka:
		return newKafkaTransport(cfg, nil, f.logger)
	}
	return nil, fmt.Errorf("invalid forward method: %s", f.method.Kind)
}

// Method returns the method the forwarder was created for
func (f *Forwarder) Method() Method {
	return f.method
}

// Forward renders and sends messages. Failures are reported in the result.
func (f *Forwarder) Forward(ctx context.Context, messages []types.SyslogMessage) types.ForwardResult {
	ctx, span := tracing.TraceForward(ctx, f.tracer, f.method.Kind.String(), len(messages))
	defer span.End()

	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = m.String()
	}

	start := time.Now()
	res := f.transport.Send(ctx, lines)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Int("forward.forwarded", res.Forwarded),
		attribute.Int("forward.spooled", res.Spooled),
		attribute.Int("forward.dropped", res.Dropped),
	)
	if res.Exception != "" {
		span.RecordError(fmt.Errorf("%s", res.Exception))
	}
	f.metrics.RecordForward(f.method.Kind.String(), res.Forwarded, res.Spooled, res.Dropped, res.Exception != "", elapsed)

	event := f.logger.Info()
	if res.Exception != "" || res.Dropped > 0 {
		event = f.logger.Warn().Str("exception", res.Exception)
	}
	event.
		Int("messages", len(messages)).
		Int("forwarded", res.Forwarded).
		Int("spooled", res.Spooled).
		Int("dropped", res.Dropped).
		Dur("duration", elapsed).
		Msg("Forwarded messages")

	return res
}

// Close releases the transport
func (f *Forwarder) Close() error {
	return f.transport.Close()
}

// dropAll accounts every message as dropped because of err
func dropAll(n int, err error) types.ForwardResult {
	res := types.ForwardResult{Dropped: n}
	if err != nil {
		res.Exception = err.Error()
	}
	return res
}
