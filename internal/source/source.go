// Package source implements the buffered, random-access byte source that
// underlies the data source facade: either a memory-resident byte range, or
// an OS file descriptor fronted by a heap buffer capped at a configurable
// size.
//
// In file mode a sliding buffer is refilled by positioned reads (ReadAt) of
// the backing file whenever the cursor leaves it. It serves a single cursor rather than many
// concurrent readers, so there's no locking or multi-reader bookkeeping to
// carry.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Whence mirrors io.Seeker's constants; kept local so callers don't need to
// import "io" just to seek a Source.
const (
	SET = io.SeekStart
	CUR = io.SeekCurrent
	END = io.SeekEnd
)

// defaultMaxBuf is the fallback cap on how much of a file-backed source is
// ever held in memory at once, used when NewFile is given a zero bufCap.
const defaultMaxBuf = 4 << 20

var ErrNegativeSeek = errors.New("source: seek before start of file")
var ErrSeekPastEnd = errors.New("source: seek past end of file")

// Source is a random-access byte source with a known (or lazily known)
// total size.
type Source struct {
	mem  []byte   // memory mode: the buffer IS the input
	file *os.File // file mode: nil in memory mode

	buf    []byte // file mode: sliding window buffer
	bufOff int64  // file offset of buf[0]
	bufLen int    // valid bytes in buf
	bufCap int    // file mode: cap on len(buf)

	pos  int64 // logical cursor, both modes
	size int64 // total length, known at construction in both modes
}

// NewMemory builds a Source backed entirely by an in-memory byte slice. The
// slice is not copied; the caller must not mutate it while the Source is in
// use.
func NewMemory(b []byte) *Source {
	return &Source{mem: b, size: int64(len(b))}
}

// NewFile builds a Source backed by an already-open file, discovering its
// size via Stat. bufCap bounds how much of the file is ever held in memory
// at once; a zero or negative value falls back to defaultMaxBuf. The
// returned Source owns no lifecycle over f; the caller closes it.
func NewFile(f *os.File, bufCap int) (*Source, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("source: stat: %w", err)
	}
	if bufCap <= 0 {
		bufCap = defaultMaxBuf
	}
	return &Source{
		file:   f,
		buf:    make([]byte, 0, 64<<10),
		bufCap: bufCap,
		size:   st.Size(),
	}, nil
}

// Size reports the total logical length of the source. force is accepted
// for symmetry with Decompressor.UncompressedSize but is a no-op here: a Source's size
// is always known up front.
func (s *Source) Size(force bool) int64 { return s.size }

// Seek repositions the logical cursor. SEEK beyond end-of-file fails; SEEK
// to exactly end-of-file succeeds and the next Read returns 0.
func (s *Source) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case SET:
		abs = offset
	case CUR:
		abs = s.pos + offset
	case END:
		abs = s.size + offset
	default:
		return 0, fmt.Errorf("source: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, ErrNegativeSeek
	}
	if abs > s.size {
		return 0, ErrSeekPastEnd
	}
	s.pos = abs
	return abs, nil
}

// Read copies up to len(dst) bytes starting at the current cursor into dst,
// advancing the cursor by the number of bytes copied. A short read is not
// an error: only a genuine I/O failure returns err != nil. Read returns 0,
// nil at EOF.
func (s *Source) Read(dst []byte) (int, error) {
	if s.pos >= s.size {
		return 0, nil
	}
	want := len(dst)
	if int64(want) > s.size-s.pos {
		want = int(s.size - s.pos)
	}
	if want == 0 {
		return 0, nil
	}
	if s.mem != nil {
		n := copy(dst[:want], s.mem[s.pos:s.pos+int64(want)])
		s.pos += int64(n)
		return n, nil
	}
	return s.readFile(dst[:want])
}

// readFile serves want bytes from s.buf, refilling from s.file via absolute
// positioning whenever the requested range isn't already buffered.
func (s *Source) readFile(dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		if !s.covered(s.pos) {
			if err := s.refill(s.pos, len(dst)-n); err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			if !s.covered(s.pos) {
				// refill hit EOF before reaching pos: nothing more to give.
				return n, nil
			}
		}
		avail := int(s.bufOff+int64(s.bufLen) - s.pos)
		k := len(dst) - n
		if k > avail {
			k = avail
		}
		start := s.pos - s.bufOff
		copy(dst[n:n+k], s.buf[start:start+int64(k)])
		n += k
		s.pos += int64(k)
	}
	return n, nil
}

func (s *Source) covered(pos int64) bool {
	return pos >= s.bufOff && pos < s.bufOff+int64(s.bufLen)
}

// refill positions the file descriptor at off and reads up to s.bufCap
// bytes (but at least want, capped at s.bufCap) into s.buf.
func (s *Source) refill(off int64, want int) error {
	if want < 64<<10 {
		want = 64 << 10
	}
	if want > s.bufCap {
		want = s.bufCap
	}
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	} else {
		s.buf = s.buf[:want]
	}
	n, err := s.file.ReadAt(s.buf, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("source: read: %w", err)
	}
	s.bufOff = off
	s.bufLen = n
	return nil
}
