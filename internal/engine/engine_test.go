package engine

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndurner/libextractor-sub002/internal/datasource"
	"github.com/ndurner/libextractor-sub002/internal/protocol"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/shmwindow"
	"github.com/ndurner/libextractor-sub002/internal/worker"
	"github.com/ndurner/libextractor-sub002/internal/xconfig"
	"github.com/sirupsen/logrus"
)

func testEngine() *Engine {
	return New(xconfig.Default(), logrus.NewEntry(logrus.New()))
}

func testEngineWithTimeout(d time.Duration) *Engine {
	cfg := xconfig.Default()
	cfg.MultiplexTimeout = d
	return New(cfg, logrus.NewEntry(logrus.New()))
}

func testFacade(t *testing.T, content []byte) *datasource.Facade {
	t.Helper()
	fac, err := datasource.OpenMemory(content)
	require.NoError(t, err)
	return fac
}

// recordingWriteCloser captures whatever the engine writes back to a
// worker's inbound pipe, without ever blocking the writer.
type recordingWriteCloser struct {
	mu  sync.Mutex
	buf []byte
}

func (r *recordingWriteCloser) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, b...)
	return len(b), nil
}

func (r *recordingWriteCloser) Close() error { return nil }

func (r *recordingWriteCloser) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// waitForBytes polls until rec has recorded at least n bytes or timeout
// elapses, failing the test on timeout.
func waitForBytes(t *testing.T, rec *recordingWriteCloser, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(rec.bytes()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d recorded bytes, got %d", n, len(rec.bytes()))
}

// pipeChannel builds a worker.Channel over an in-memory pipe pair: pw is
// the test's handle to push bytes as if they came from the worker process,
// and rec captures whatever the engine writes back.
func pipeChannel(short string, win *shmwindow.Window) (*worker.Channel, *io.PipeWriter, *recordingWriteCloser) {
	pr, pw := io.Pipe()
	rec := &recordingWriteCloser{}
	c := worker.NewPipeChannel(short, 0, rec, pr, win, 0, 0)
	return c, pw, rec
}

func TestResolveSeekSet(t *testing.T) {
	e := testEngine()
	fac := testFacade(t, make([]byte, 100))
	abs, err := e.resolveSeek(fac, protocol.Seek{Whence: protocol.WhenceSet, Offset: 42})
	require.NoError(t, err)
	require.EqualValues(t, 42, abs)
}

func TestResolveSeekEndClampsToSize(t *testing.T) {
	e := testEngine()
	fac := testFacade(t, make([]byte, 100))
	abs, err := e.resolveSeek(fac, protocol.Seek{Whence: protocol.WhenceEnd, Offset: 10})
	require.NoError(t, err)
	require.EqualValues(t, 90, abs)

	abs, err = e.resolveSeek(fac, protocol.Seek{Whence: protocol.WhenceEnd, Offset: 1000})
	require.NoError(t, err)
	require.EqualValues(t, 100, abs) // clamp to size, not 0
}

func TestRunInProcessCollectsMeta(t *testing.T) {
	e := testEngine()
	fac := testFacade(t, []byte("hello world"))

	var got []string
	sink := func(origin string, format, typ uint16, mime string, value []byte) bool {
		got = append(got, string(value))
		return false
	}

	entry := func(cb registry.Callbacks, options string) error {
		b, err := cb.Read(5)
		if err != nil {
			return err
		}
		cb.Proc(1, 1, "text/plain", b)
		if _, err := cb.Seek(6, 0); err != nil {
			return err
		}
		b2, err := cb.Read(5)
		if err != nil {
			return err
		}
		cb.Proc(1, 1, "text/plain", b2)
		return nil
	}

	desc := registry.Descriptor{Short: "dummy", Mode: registry.InProcess, Entry: entry}
	require.NoError(t, e.runInProcess(fac, desc, sink))
	require.Equal(t, []string{"hello", "world"}, got)
}

func TestRunInProcessSinkStop(t *testing.T) {
	e := testEngine()
	fac := testFacade(t, []byte("hello world"))

	calls := 0
	sink := func(origin string, format, typ uint16, mime string, value []byte) bool {
		calls++
		return true
	}
	entry := func(cb registry.Callbacks, options string) error {
		b, _ := cb.Read(5)
		stop, err := cb.Proc(1, 1, "", b)
		if err != nil {
			return err
		}
		require.True(t, stop)
		return nil
	}
	desc := registry.Descriptor{Short: "dummy", Mode: registry.InProcess, Entry: entry}
	require.NoError(t, e.runInProcess(fac, desc, sink))
	require.Equal(t, 1, calls)
}

func TestGzipCompressorMetaCarriesTextPlainMime(t *testing.T) {
	e := testEngine()
	// The complete "readme.txt" gzip stream (header, deflate body, trailer):
	// the same fixture internal/datasource's own test of this header uses.
	b := []byte{
		0x1f, 0x8b, 0x08, 0x08, 0xec, 0xad, 0x6c, 0x6a, 0x00, 0x03,
		'r', 'e', 'a', 'd', 'm', 'e', '.', 't', 'x', 't', 0x00,
		0x4b, 0x49, 0x2c, 0x49, 0x04, 0x00, 0x63, 0xf3, 0xf3, 0xad, 0x04, 0x00, 0x00, 0x00,
	}
	fac, err := datasource.OpenMemory(b)
	require.NoError(t, err)
	defer fac.Close()

	var gotOrigin, gotMime string
	var gotValue []byte
	sink := func(origin string, format, typ uint16, mime string, value []byte) bool {
		gotOrigin, gotMime, gotValue = origin, mime, value
		return false
	}
	require.NoError(t, e.Run(fac, nil, sink))
	require.Equal(t, "compressor", gotOrigin)
	require.Equal(t, "text/plain", gotMime)
	require.Equal(t, "readme.txt", string(gotValue))
}

// TestMergeSeeksHandlesDisjointOffsets drives mergeSeeks directly over three
// channels whose requested offsets land in different places relative to a
// single window refill: two are satisfied by one merged Fill, the third
// falls outside it and stays pending for a later pass.
func TestMergeSeeksHandlesDisjointOffsets(t *testing.T) {
	e := testEngine()
	content := make([]byte, 100000)
	for i := range content {
		content[i] = byte(i)
	}
	fac := testFacade(t, content)

	win, err := shmwindow.New(e.cfg.WindowSize)
	require.NoError(t, err)
	defer win.Destroy()
	_, err = win.Fill(fac, 0)
	require.NoError(t, err)

	c1, _, rec1 := pipeChannel("c1", win)
	c2, _, rec2 := pipeChannel("c2", win)
	c3, _, rec3 := pipeChannel("c3", win)

	c1.PendingSeek = &protocol.Seek{Whence: protocol.WhenceSet, Offset: 5000}
	c2.PendingSeek = &protocol.Seek{Whence: protocol.WhenceSet, Offset: 20000}
	c3.PendingSeek = &protocol.Seek{Whence: protocol.WhenceSet, Offset: 50000}

	require.NoError(t, e.mergeSeeks(fac, win, []*worker.Channel{c1, c2, c3}))

	require.Nil(t, c1.PendingSeek)
	require.Nil(t, c2.PendingSeek)
	require.NotNil(t, c3.PendingSeek)

	require.NotEmpty(t, rec1.bytes())
	require.NotEmpty(t, rec2.bytes())
	require.Empty(t, rec3.bytes())
}

// TestRunRoundRetiresHungWorker checks that a channel which never produces
// another frame is retired once the multiplex timeout elapses, without
// blocking the round from finishing once every other channel is done.
func TestRunRoundRetiresHungWorker(t *testing.T) {
	e := testEngineWithTimeout(20 * time.Millisecond)
	fac := testFacade(t, make([]byte, 100))

	cDone, pwDone, _ := pipeChannel("done", nil)
	cHung, _, _ := pipeChannel("hung", nil)

	go func() {
		protocol.EncodeDone(pwDone)
	}()

	done := make(chan error, 1)
	go func() {
		done <- e.runRound(fac, nil, []*worker.Channel{cDone, cHung}, func(string, uint16, uint16, string, []byte) bool { return false })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runRound did not retire the hung channel in time")
	}
}

// TestRunRoundOversizedMetaRetiresChannelOnly hand-crafts a META frame with
// an out-of-range value_size, bypassing EncodeMeta's own guard, to confirm
// the round scheduler retires only the offending channel instead of
// aborting the whole round.
func TestRunRoundOversizedMetaRetiresChannelOnly(t *testing.T) {
	e := testEngineWithTimeout(50 * time.Millisecond)
	fac := testFacade(t, make([]byte, 100))

	cBad, pwBad, recBad := pipeChannel("bad", nil)
	cGood, pwGood, _ := pipeChannel("good", nil)

	go func() {
		hdr := make([]byte, 12)
		hdr[0] = byte(protocol.OpMeta)
		binary.LittleEndian.PutUint32(hdr[8:12], protocol.MaxValueSize+1)
		pwBad.Write(hdr)
	}()
	go func() {
		protocol.EncodeDone(pwGood)
	}()

	sink := func(string, uint16, uint16, string, []byte) bool { return false }

	done := make(chan error, 1)
	go func() {
		done <- e.runRound(fac, nil, []*worker.Channel{cBad, cGood}, sink)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runRound did not finish after the oversized META")
	}
	require.Empty(t, recBad.bytes())
}

// TestRunRoundFileAbortedLatchStopsSink exercises the scenario where the
// sink asks to stop on the first META delivered: every META after that,
// from any channel, must be answered with DISCARD_STATE without ever
// reaching the sink again.
func TestRunRoundFileAbortedLatchStopsSink(t *testing.T) {
	e := testEngineWithTimeout(200 * time.Millisecond)
	fac := testFacade(t, make([]byte, 100))

	c1, pw1, rec1 := pipeChannel("c1", nil)
	c2, pw2, rec2 := pipeChannel("c2", nil)

	var mu sync.Mutex
	calls := 0
	sink := func(origin string, format, typ uint16, mime string, value []byte) bool {
		mu.Lock()
		calls++
		mu.Unlock()
		return true
	}

	go func() {
		require.NoError(t, protocol.EncodeMeta(pw1, protocol.Meta{Value: []byte("from-c1")}))
		waitForBytes(t, rec1, 1, time.Second)

		require.NoError(t, protocol.EncodeMeta(pw2, protocol.Meta{Value: []byte("from-c2")}))
		waitForBytes(t, rec2, 1, time.Second)

		protocol.EncodeDone(pw1)
		protocol.EncodeDone(pw2)
	}()

	done := make(chan error, 1)
	go func() {
		done <- e.runRound(fac, nil, []*worker.Channel{c1, c2}, sink)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runRound did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Equal(t, []byte{byte(protocol.OpDiscardState)}, rec1.bytes())
	require.Equal(t, []byte{byte(protocol.OpDiscardState)}, rec2.bytes())
}
