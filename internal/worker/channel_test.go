package worker

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndurner/libextractor-sub002/internal/protocol"
)

// newTestChannel builds a Channel wired to an in-memory pipe, bypassing
// Spawn entirely, so RunReader's decode/gating logic can be exercised
// without a real worker process.
func newTestChannel(t *testing.T) (*Channel, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	c := &Channel{
		Short:         "test",
		fromWork:      pr,
		toWorker:      discardWriteCloser{},
		reassembly:    make([]byte, defaultReassemblyInitial),
		reassemblyMax: defaultReassemblyMax,
		proceed:       make(chan struct{}, 1),
	}
	return c, pw
}

type discardWriteCloser struct{}

func (discardWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardWriteCloser) Close() error                { return nil }

func TestRunReaderDecodesFramesInOrder(t *testing.T) {
	c, pw := newTestChannel(t)
	events := make(chan Event, 8)
	go c.RunReader(events)

	go func() {
		protocol.EncodeDone(pw)
		pw.Close()
	}()

	ev := <-events
	require.NoError(t, ev.Err)
	require.Equal(t, protocol.OpDone, ev.Op)

	ev = <-events
	require.ErrorIs(t, ev.Err, io.EOF)
}

func TestRunReaderGatesOnSeekUntilAck(t *testing.T) {
	c, pw := newTestChannel(t)
	events := make(chan Event, 8)
	go c.RunReader(events)

	go func() {
		protocol.EncodeSeek(pw, protocol.Seek{Whence: protocol.WhenceSet, Requested: 10, Offset: 5})
	}()

	ev := <-events
	require.NoError(t, ev.Err)
	require.Equal(t, protocol.OpSeek, ev.Op)

	// No further event should arrive until Ack is sent.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event before Ack: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	c.Ack()
	protocol.EncodeDone(pw)
	pw.Close()

	ev = <-events
	require.NoError(t, ev.Err)
	require.Equal(t, protocol.OpDone, ev.Op)
}

func TestAppendReassemblyGrowsAndCaps(t *testing.T) {
	c := &Channel{
		reassembly:    make([]byte, defaultReassemblyInitial),
		reassemblyMax: defaultReassemblyMax,
	}
	require.NoError(t, c.appendReassembly(make([]byte, defaultReassemblyInitial*3)))
	require.GreaterOrEqual(t, len(c.reassembly), defaultReassemblyInitial*3)

	c2 := &Channel{
		reassembly:    make([]byte, defaultReassemblyInitial),
		reassemblyMax: defaultReassemblyMax,
	}
	err := c2.appendReassembly(make([]byte, defaultReassemblyMax+1))
	require.Error(t, err)
}
