package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// localTransport writes to the event console of the local site, either its
// unix socket or its named pipe
type localTransport struct {
	path    string
	timeout time.Duration
}

func newLocalTransport(path string, timeout time.Duration) *localTransport {
	return &localTransport{path: path, timeout: timeout}
}

func (t *localTransport) Send(ctx context.Context, messages []string) types.ForwardResult {
	if len(messages) == 0 {
		return types.ForwardResult{}
	}

	fi, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// the event console is not running
			return dropAll(len(messages), nil)
		}
		return dropAll(len(messages), err)
	}

	var w io.WriteCloser
	switch mode := fi.Mode(); {
	case mode&fs.ModeSocket != 0:
		d := net.Dialer{Timeout: t.timeout}
		conn, err := d.DialContext(ctx, "unix", t.path)
		if err != nil {
			return dropAll(len(messages), fmt.Errorf("failed to connect to %s: %w", t.path, err))
		}
		if t.timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(t.timeout))
		}
		w = conn

	case mode&fs.ModeNamedPipe != 0:
		f, err := openPipe(t.path)
		if err != nil {
			if isNoReader(err) {
				return dropAll(len(messages), nil)
			}
			return dropAll(len(messages), fmt.Errorf("failed to open %s: %w", t.path, err))
		}
		if t.timeout > 0 {
			f.SetWriteDeadline(time.Now().Add(t.timeout))
		}
		w = f

	default:
		return dropAll(len(messages), fmt.Errorf("%s is neither a socket nor a pipe", t.path))
	}

	_, err = io.WriteString(w, strings.Join(messages, "\n")+"\n")
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return dropAll(len(messages), fmt.Errorf("failed to write to %s: %w", t.path, err))
	}
	return types.ForwardResult{Forwarded: len(messages)}
}

func (t *localTransport) Close() error {
	return nil
}
