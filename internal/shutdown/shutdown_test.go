package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New(Config{Timeout: 10 * time.Second})
	assert.Equal(t, 10*time.Second, m.timeout)

	m = New(Config{})
	assert.Equal(t, 30*time.Second, m.timeout)
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(Config{Timeout: 5 * time.Second})

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"forwarder", "checkpoint", "tailer"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	m.Shutdown()
	require.NoError(t, m.WaitWithTimeout(5*time.Second))
	assert.Equal(t, []string{"tailer", "checkpoint", "forwarder"}, order)
}

func TestShutdownCancelsContext(t *testing.T) {
	m := New(Config{})

	select {
	case <-m.Context().Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	m.Shutdown()
	m.Shutdown()

	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by Shutdown")
	}
	<-m.Done()
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := New(Config{Timeout: 5 * time.Second})
	m.Register("ok", func(ctx context.Context) error { return nil })
	m.Register("state", func(ctx context.Context) error { return errors.New("disk full") })

	m.Shutdown()
	err := m.WaitWithTimeout(5 * time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state: disk full")
	assert.Equal(t, err, m.Err())
}

func TestShutdownTimeout(t *testing.T) {
	m := New(Config{Timeout: 100 * time.Millisecond})
	m.Register("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	m.Shutdown()
	<-m.Done()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Error(t, m.Err())
}

func TestWaitForSignal(t *testing.T) {
	m := New(Config{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Shutdown()
	}()

	m.WaitForSignal(syscall.SIGUSR1)
	assert.Error(t, m.Context().Err())
}

func TestWaitWithTimeoutExpires(t *testing.T) {
	m := New(Config{Timeout: 5 * time.Second})
	m.Register("never", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	m.Shutdown()
	assert.Error(t, m.WaitWithTimeout(100*time.Millisecond))
}
