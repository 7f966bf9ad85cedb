// Package workerproc is the in-worker runtime: the read, seek, and proc
// callback loop an extractor function runs inside once it has been
// dispatched into its own process by internal/worker. It is the mirror
// image of internal/worker's engine-side channel: same protocol, same
// window, opposite side of the pipes.
package workerproc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ndurner/libextractor-sub002/internal/protocol"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/shmwindow"
)

// errDiscarded unwinds an extractor's callback loop when the engine issues
// DISCARD_STATE while the worker was blocked awaiting a reply.
var errDiscarded = errors.New("workerproc: extraction discarded by engine")

// frameReader accumulates bytes from r and decodes exactly one frame at a
// time, blocking for more input as needed. Unlike the engine's channel
// reader, this side never needs concurrency: the worker is a single
// blocking call stack.
type frameReader struct {
	r   io.Reader
	buf []byte
	len int
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, buf: make([]byte, 4096)}
}

func (fr *frameReader) next() (protocol.Opcode, interface{}, error) {
	for {
		consumed, op, payload, err := protocol.Decode(fr.buf[:fr.len])
		if err == nil {
			copy(fr.buf, fr.buf[consumed:fr.len])
			fr.len -= consumed
			return op, payload, nil
		}
		if err != protocol.ErrTruncated {
			return 0, nil, err
		}
		if fr.len == len(fr.buf) {
			grown := make([]byte, len(fr.buf)*2)
			copy(grown, fr.buf[:fr.len])
			fr.buf = grown
		}
		n, rerr := fr.r.Read(fr.buf[fr.len:])
		if n > 0 {
			fr.len += n
		}
		if rerr != nil {
			return 0, nil, fmt.Errorf("workerproc: engine pipe closed: %w", rerr)
		}
		if n == 0 {
			return 0, nil, io.EOF
		}
	}
}

// state is the worker's cached view of the shared window plus its logical
// read position within the file currently being processed.
type state struct {
	in  io.Writer // worker -> engine
	out *frameReader

	win []byte

	shmOffset  int64
	readyBytes int
	fileSize   int64

	pos int64
}

func (s *state) windowCoversPos() bool {
	return s.pos >= s.shmOffset && s.pos < s.shmOffset+int64(s.readyBytes)
}

// requestSeek asks the engine to move the window so pos is covered, and
// blocks until UPDATED_SHM (success) or DISCARD_STATE (abort). It always
// issues a SET-relative SEEK: END-relative requests from the extractor are
// resolved locally against the cached file size before ever touching the
// wire, since by the time an extractor runs, EXTRACT_START has already
// supplied that size (see DESIGN.md).
func (s *state) requestSeek(pos int64, hint int) error {
	if err := protocol.EncodeSeek(s.in, protocol.Seek{
		Whence:    protocol.WhenceSet,
		Requested: uint32(hint),
		Offset:    uint64(pos),
	}); err != nil {
		return fmt.Errorf("workerproc: send SEEK: %w", err)
	}
	for {
		op, payload, err := s.out.next()
		if err != nil {
			return err
		}
		switch op {
		case protocol.OpUpdatedSHM:
			m := payload.(protocol.UpdatedSHM)
			s.shmOffset = int64(m.ShmOffset)
			s.readyBytes = int(m.ShmReady)
			s.fileSize = int64(m.FileSize)
			return nil
		case protocol.OpDiscardState:
			return errDiscarded
		default:
			return fmt.Errorf("workerproc: unexpected %s while awaiting SEEK reply", op)
		}
	}
}

// Read implements registry.Callbacks.
func (s *state) Read(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	for {
		if s.windowCoversPos() {
			avail := s.shmOffset + int64(s.readyBytes) - s.pos
			if avail > 0 {
				want := int64(n)
				if want > avail {
					want = avail
				}
				start := s.pos - s.shmOffset
				out := s.win[start : start+want]
				s.pos += want
				return out, nil
			}
		}
		if s.fileSize >= 0 && s.pos >= s.fileSize {
			return nil, io.EOF
		}
		if err := s.requestSeek(s.pos, n); err != nil {
			return nil, err
		}
	}
}

// Seek implements registry.Callbacks. whence follows io.Seeker convention;
// the wire protocol only ever sees SET (see requestSeek).
func (s *state) Seek(pos int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = pos
	case io.SeekCurrent:
		abs = s.pos + pos
	case io.SeekEnd:
		dist := -pos
		if dist < 0 {
			dist = 0
		}
		abs = s.fileSize - dist
		if abs < 0 {
			abs = s.fileSize
		}
	default:
		return 0, fmt.Errorf("workerproc: bad whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("workerproc: negative seek result")
	}
	s.pos = abs
	if !s.windowCoversPos() {
		if err := s.requestSeek(abs, 1); err != nil {
			return 0, err
		}
	}
	return s.pos, nil
}

// Proc implements registry.Callbacks: report one metadata item and wait for
// the engine's CONTINUE_EXTRACTING or DISCARD_STATE reply.
func (s *state) Proc(format, typ uint16, mime string, value []byte) (bool, error) {
	if err := protocol.EncodeMeta(s.in, protocol.Meta{Format: format, Type: typ, Mime: mime, Value: value}); err != nil {
		return false, fmt.Errorf("workerproc: send META: %w", err)
	}
	op, _, err := s.out.next()
	if err != nil {
		return false, err
	}
	switch op {
	case protocol.OpContinueExtracting:
		return false, nil
	case protocol.OpDiscardState:
		return true, nil
	default:
		return false, fmt.Errorf("workerproc: unexpected %s while awaiting META reply", op)
	}
}

// Main is the worker process entry point: read the bootstrap handshake and
// INIT_STATE off fd 3, attach the named window read-only, then loop running
// the registered extractor once per EXTRACT_START until the engine closes
// the pipe or the extractor is flagged KillAfterFile.
func Main(in io.Reader, out io.Writer) error {
	fr := newFrameReader(in)

	flags, library, short, options, err := protocol.DecodeBootstrap(in)
	_ = library
	if err != nil {
		return fmt.Errorf("workerproc: bootstrap: %w", err)
	}
	fn, ok := registry.Lookup(short)
	if !ok {
		return fmt.Errorf("workerproc: no extractor registered as %q", short)
	}

	op, payload, err := fr.next()
	if err != nil {
		return fmt.Errorf("workerproc: INIT_STATE: %w", err)
	}
	if op != protocol.OpInitState {
		return fmt.Errorf("workerproc: expected INIT_STATE, got %s", op)
	}
	init := payload.(protocol.InitState)

	st := &state{in: out, out: fr, fileSize: -1}
	var detach func() error
	if init.ShmSize > 0 {
		data, closer, aerr := shmwindow.AttachReadOnly(string(init.ShmName), int(init.ShmSize))
		if aerr != nil {
			return fmt.Errorf("workerproc: attach window: %w", aerr)
		}
		st.win = data
		detach = closer
	}
	defer func() {
		if detach != nil {
			detach()
		}
	}()

	killAfterFile := registry.Flags(flags).Has(registry.KillAfterFile)

	for {
		op, payload, err := fr.next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("workerproc: awaiting EXTRACT_START: %w", err)
		}
		if op != protocol.OpExtractStart {
			return fmt.Errorf("workerproc: expected EXTRACT_START, got %s", op)
		}
		es := payload.(protocol.ExtractStart)
		st.shmOffset = 0
		st.readyBytes = int(es.ShmReady)
		st.fileSize = int64(es.FileSize)
		st.pos = 0

		runErr := fn(st, options)
		if runErr != nil && !errors.Is(runErr, errDiscarded) {
			fmt.Fprintf(os.Stderr, "workerproc: %s: %v\n", short, runErr)
		}
		if err := protocol.EncodeDone(st.in); err != nil {
			return fmt.Errorf("workerproc: send DONE: %w", err)
		}
		if killAfterFile {
			return nil
		}
	}
}
