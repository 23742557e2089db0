package forward

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// udpTransport sends one datagram per message. Nothing is retried.
type udpTransport struct {
	addr    string
	limiter *rate.Limiter
	logger  *logging.Logger
}

func newUDPTransport(addr string, ratePerSecond float64, logger *logging.Logger) (*udpTransport, error) {
	t := &udpTransport{addr: addr, logger: logger}
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return t, nil
}

func (t *udpTransport) Send(ctx context.Context, messages []string) types.ForwardResult {
	if len(messages) == 0 {
		return types.ForwardResult{}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.addr)
	if err != nil {
		return dropAll(len(messages), fmt.Errorf("failed to resolve %s: %w", t.addr, err))
	}
	defer conn.Close()

	var res types.ForwardResult
	for i, msg := range messages {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				res.Merge(dropAll(len(messages)-i, err))
				return res
			}
		}
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.logger.Debug().Err(err).Msg("Failed to send datagram")
			res.Dropped++
			res.Exception = err.Error()
			continue
		}
		res.Forwarded++
	}
	return res
}

func (t *udpTransport) Close() error {
	return nil
}
