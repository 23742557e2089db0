//go:build unix

package forward

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

func TestLocalSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	tr := newLocalTransport(path, time.Second)
	res := tr.Send(context.Background(), []string{"one", "two"})
	assert.Equal(t, types.ForwardResult{Forwarded: 2}, res)

	select {
	case data := <-received:
		assert.Equal(t, "one\ntwo\n", data)
	case <-time.After(5 * time.Second):
		t.Fatal("socket received nothing")
	}
}

func TestLocalPipeWithoutReaderDrops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, unix.Mkfifo(path, 0600))

	tr := newLocalTransport(path, time.Second)
	res := tr.Send(context.Background(), []string{"one", "two"})
	assert.Equal(t, types.ForwardResult{Dropped: 2}, res)
}

func TestLocalPipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, unix.Mkfifo(path, 0600))

	reader, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	defer reader.Close()

	tr := newLocalTransport(path, time.Second)
	res := tr.Send(context.Background(), []string{"one", "two"})
	assert.Equal(t, types.ForwardResult{Forwarded: 2}, res)

	require.NoError(t, reader.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestForwardPipeMethod(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, unix.Mkfifo(path, 0600))

	m, err := ParseMethod(path, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, KindPipe, m.Kind)

	f, err := New(m, Options{Now: fixedNow})
	require.NoError(t, err)
	defer f.Close()

	res := f.Forward(context.Background(), testMessages(2))
	assert.Equal(t, 2, res.Dropped)
	assert.Empty(t, res.Exception)
}
