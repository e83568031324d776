package endpoint

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/internal/sockpath"
)

func TestBindThenConnect(t *testing.T) {
	path, cleanup, err := sockpath.Temp()
	require.NoError(t, err)
	defer cleanup()

	e := New(path)
	ln, err := e.Bind()
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := e.Connect(ctx)
	require.NoError(t, err)
	conn.Close()
}

func TestBindRemovesStaleSocketFile(t *testing.T) {
	path, cleanup, err := sockpath.Temp()
	require.NoError(t, err)
	defer cleanup()

	e := New(path)
	ln1, err := e.Bind()
	require.NoError(t, err)
	// Keep the socket file on disk after close, as a crashed supervisor would.
	ln1.(*net.UnixListener).SetUnlinkOnClose(false)
	ln1.Close()
	_, err = os.Stat(path)
	require.NoError(t, err)

	ln2, err := e.Bind()
	require.NoError(t, err)
	defer ln2.Close()
}

func TestWaitReadyReturnsOnceListenerExists(t *testing.T) {
	path, cleanup, err := sockpath.Temp()
	require.NoError(t, err)
	defer cleanup()

	e := New(path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.WaitReady(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	ln, err := e.Bind()
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	assert.NoError(t, <-done)
}
