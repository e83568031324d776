package worker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/connection"
	"github.com/socketry/async-container-supervisor/frame"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar().Named(t.Name())
}

// pipeDialer returns a Dialer that always returns the client half of a
// fresh net.Pipe, handing the server half to onServer for the test to
// drive a fake supervisor against.
func pipeDialer(onServer func(net.Conn)) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go onServer(server)
		return client, nil
	}
}

func TestRegisterSendsStateOnConnect(t *testing.T) {
	registered := make(chan frame.Frame, 1)

	dialer := pipeDialer(func(server net.Conn) {
		supervisorConn := connection.New(server, 1, testLogger(t))
		dispatcher := connection.NewDispatcher(testLogger(t))
		dispatcher.Handle("register", func(ctx context.Context, call *callmux.Call) {
			registered <- call.Message
			call.Finish(frame.Frame{"connection_id": "abc"})
		})
		supervisorConn.Run(context.Background(), dispatcher)
	})

	w := New(testLogger(t), dialer, WithState(map[string]any{"process_id": float64(55)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	select {
	case msg := <-registered:
		state, _ := msg["state"].(map[string]any)
		assert.Equal(t, float64(55), state["process_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for register call")
	}
}

func TestSchedulerDumpReturnsBufferedData(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))

	call := callmux.New(1, frame.Frame{"do": "scheduler_dump"})
	w.handleSchedulerDump(context.Background(), call)

	resp, ok := call.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, resp.Finished())
	assert.NotEmpty(t, resp["data"])
}

func TestMemoryDumpRefusesBufferedMode(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))

	call := callmux.New(1, frame.Frame{"do": "memory_dump"})
	w.handleMemoryDump(context.Background(), call)

	resp, ok := call.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, resp.Failed())
}

func TestMemoryDumpWritesToPath(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))
	path := t.TempDir() + "/heap.pprof"

	call := callmux.New(1, frame.Frame{"do": "memory_dump", "path": path})
	w.handleMemoryDump(context.Background(), call)

	resp, ok := call.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, resp.Finished())
	assert.Equal(t, path, resp["path"])
}

func TestMemorySampleRejectsNonPositiveDuration(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))

	call := callmux.New(1, frame.Frame{"do": "memory_sample", "duration": float64(0)})
	w.handleMemorySample(context.Background(), call)

	resp, ok := call.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, resp.Failed())
}

func TestGarbageProfileStartThenStop(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))

	startCall := callmux.New(1, frame.Frame{"do": "garbage_profile_start"})
	w.handleGarbageProfileStart(context.Background(), startCall)
	startResp, ok := startCall.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, true, startResp["started"])

	stopCall := callmux.New(2, frame.Frame{"do": "garbage_profile_stop"})
	w.handleGarbageProfileStop(context.Background(), stopCall)
	stopResp, ok := stopCall.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, stopResp.Finished())
}

func TestGarbageProfileStopWithoutStartFails(t *testing.T) {
	w := New(testLogger(t), pipeDialer(func(net.Conn) {}))

	call := callmux.New(1, frame.Frame{"do": "garbage_profile_stop"})
	w.handleGarbageProfileStop(context.Background(), call)
	resp, ok := call.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, resp.Failed())
}
