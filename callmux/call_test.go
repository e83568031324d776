package callmux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/frame"
)

func TestPushThenFinishOrdersIntermediatesBeforeTerminal(t *testing.T) {
	c := New(1, frame.Frame{"do": "status"})
	c.Push(frame.Frame{"n": 1})
	c.Push(frame.Frame{"n": 2})
	c.Finish(frame.Frame{"n": 3})

	ctx := context.Background()
	var got []int
	c.Each(ctx, func(f frame.Frame) bool {
		got = append(got, int(f["n"].(int)))
		return true
	})
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.True(t, c.Closed())
}

func TestFailSetsFinishedAndFailed(t *testing.T) {
	c := New(1, frame.Frame{})
	c.Fail(frame.Frame{"error": "boom"})

	ctx := context.Background()
	resp, ok := c.Pop(ctx)
	require.True(t, ok)
	assert.True(t, resp.Finished())
	assert.True(t, resp.Failed())
	assert.Equal(t, "boom", resp["error"])

	_, ok = c.Pop(ctx)
	assert.False(t, ok)
}

func TestPushAfterCloseIsSilentNoOp(t *testing.T) {
	c := New(1, frame.Frame{})
	c.Close()
	c.Push(frame.Frame{"n": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := c.Pop(ctx)
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(1, frame.Frame{})
	c.Close()
	c.Close()
	assert.True(t, c.Closed())
}

func TestFinishAfterFailIsNoOp(t *testing.T) {
	c := New(1, frame.Frame{})
	c.Fail(frame.Frame{"error": "first"})
	c.Finish(frame.Frame{"ignored": true})

	ctx := context.Background()
	resp, ok := c.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "first", resp["error"])

	_, ok = c.Pop(ctx)
	assert.False(t, ok)
}

type fakeForwarder struct {
	responses []frame.Frame
	err       error
}

func (f *fakeForwarder) CallStream(ctx context.Context, req frame.Frame, fn func(frame.Frame) error) error {
	for _, r := range f.responses {
		if err := fn(r); err != nil {
			return err
		}
	}
	return f.err
}

func TestForwardStreamsResponsesThenClosesQueue(t *testing.T) {
	fw := &fakeForwarder{responses: []frame.Frame{
		{"n": 1},
		{"n": 2},
		{"finished": true, "n": 3},
	}}
	c := New(1, frame.Frame{"do": "forward"})
	c.Forward(context.Background(), fw, frame.Frame{"do": "memory_sample"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []int
	c.Each(ctx, func(f frame.Frame) bool {
		got = append(got, int(f["n"].(int)))
		return true
	})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestForwardSurfacesTargetErrorAsFailure(t *testing.T) {
	fw := &fakeForwarder{err: assertError("connection not found")}
	c := New(1, frame.Frame{"do": "forward"})
	c.Forward(context.Background(), fw, frame.Frame{"do": "status"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, ok := c.Pop(ctx)
	require.True(t, ok)
	assert.True(t, resp.Failed())
}

type assertError string

func (e assertError) Error() string { return string(e) }
