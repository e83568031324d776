package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/connection"
	"github.com/socketry/async-container-supervisor/frame"
	"github.com/socketry/async-container-supervisor/internal/sockpath"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar().Named(t.Name())
}

type noopTarget struct{}

func (noopTarget) Dispatch(ctx context.Context, call *callmux.Call) {
	call.Finish(frame.Frame{})
}

// startServer binds a scratch Unix socket and runs Server.Serve on it in
// the background. dial connects a new client Connection running against
// target (its own side's dispatch, exercised if the server forwards to
// it). stop cancels the accept loop and waits for it to return.
func startServer(t *testing.T, opts ...Option) (dial func(target connection.Target) *connection.Connection, stop func()) {
	t.Helper()
	path, cleanup, err := sockpath.Temp()
	require.NoError(t, err)
	t.Cleanup(cleanup)

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(testLogger(t), opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	stop = func() {
		cancel()
		<-done
	}

	dial = func(target connection.Target) *connection.Connection {
		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		c := connection.New(conn, 0, testLogger(t))
		go c.Run(context.Background(), target)
		t.Cleanup(func() { c.Close() })
		return c
	}

	return dial, stop
}

func TestRegisterAssignsConnectionID(t *testing.T) {
	dial, stop := startServer(t)
	defer stop()

	client := dial(noopTarget{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, frame.Frame{"do": "register", "state": map[string]any{"process_id": float64(123)}})
	require.NoError(t, err)
	assert.True(t, resp.Finished())
	assert.NotEmpty(t, resp["connection_id"])
}

func TestForwardMissingConnectionIDFails(t *testing.T) {
	dial, stop := startServer(t)
	defer stop()

	client := dial(noopTarget{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, frame.Frame{"do": "forward", "operation": map[string]any{"do": "memory_sample"}})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, "Missing 'connection_id' parameter", resp["error"])
}

func TestForwardUnknownConnectionFails(t *testing.T) {
	dial, stop := startServer(t)
	defer stop()

	client := dial(noopTarget{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, frame.Frame{
		"do":            "forward",
		"operation":     map[string]any{"do": "memory_sample"},
		"connection_id": "no-such",
	})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, "Connection not found", resp["error"])
}

// echoTarget answers an "echo" operation with a single intermediate frame
// followed by a terminal one, standing in for a worker's real handlers.
type echoTarget struct{}

func (echoTarget) Dispatch(ctx context.Context, call *callmux.Call) {
	op, _ := call.Message.Do()
	if op != "echo" {
		call.Fail(frame.Frame{"error": "unknown operation"})
		return
	}
	call.Push(frame.Frame{"n": call.Message["n"]})
	call.Finish(frame.Frame{})
}

func TestForwardStreamsBetweenTwoClients(t *testing.T) {
	dial, stop := startServer(t)
	defer stop()

	worker := dial(echoTarget{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	regResp, err := worker.Call(ctx, frame.Frame{"do": "register", "state": map[string]any{"process_id": float64(99)}})
	require.NoError(t, err)
	connID, _ := regResp["connection_id"].(string)
	require.NotEmpty(t, connID)

	caller := dial(noopTarget{})
	var got []float64
	err = caller.CallStream(ctx, frame.Frame{
		"do":            "forward",
		"connection_id": connID,
		"operation":     map[string]any{"do": "echo", "n": float64(1)},
	}, func(f frame.Frame) error {
		if n, ok := f["n"].(float64); ok {
			got = append(got, n)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got)
}

func TestStatusListsRegisteredConnections(t *testing.T) {
	dial, stop := startServer(t)
	defer stop()

	worker := dial(noopTarget{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := worker.Call(ctx, frame.Frame{"do": "register", "state": map[string]any{"process_id": float64(7)}})
	require.NoError(t, err)

	caller := dial(noopTarget{})
	resp, err := caller.Call(ctx, frame.Frame{"do": "status"})
	require.NoError(t, err)
	assert.True(t, resp.Finished())
	conns, ok := resp["connections"].([]any)
	require.True(t, ok)
	assert.Len(t, conns, 1)
}
