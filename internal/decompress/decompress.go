// Package decompress implements the transparent gzip/bzip2/xz layer over a
// source.Source: sniffed from the first bytes of the raw stream, seekable by
// reset-and-replay, with lazy total-size discovery.
//
// Compression support is built on github.com/klauspost/compress for gzip,
// the standard library's compress/bzip2, and github.com/ulikunitz/xz.
package decompress

import (
	"fmt"
	"io"

	kzip "github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"compress/bzip2"

	"github.com/ndurner/libextractor-sub002/internal/source"
)

// Kind identifies which compression format (if any) was sniffed.
type Kind int

const (
	None Kind = iota
	Gzip
	Bzip2
	XZ
)

func (k Kind) String() string {
	switch k {
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case XZ:
		return "xz"
	default:
		return "none"
	}
}

// Header carries the preliminary metadata the gzip header exposes: the
// embedded filename and comment, if present. Bzip2 and xz carry no
// equivalent header fields.
type Header struct {
	Name    string
	Comment string
}

// trimCap bounds how much decoded-but-unconsumed output decompress keeps
// buffered while discarding toward a seek target; it is not a hard memory
// ceiling, just a trim threshold so forward/backward replays don't retain
// the whole stream.
const trimCap = 1 << 20

// chunkSz is how much is pulled from the decoder per iteration while
// extending the carry or discarding toward a seek target.
const chunkSz = 32 << 10

// Sniff inspects the first bytes of src (leaving it positioned at offset 0
// afterwards) and reports which compression kind, if any, is present.
func Sniff(src *source.Source) (Kind, error) {
	if _, err := src.Seek(0, source.SET); err != nil {
		return None, err
	}
	defer src.Seek(0, source.SET)

	hdr := make([]byte, 6)
	n, err := readFull(src, hdr)
	if err != nil {
		return None, err
	}
	hdr = hdr[:n]
	if len(hdr) >= 3 && hdr[0] == 0x1f && hdr[1] == 0x8b && hdr[2] == 0x08 {
		return Gzip, nil
	}
	if len(hdr) >= 3 && hdr[0] == 'B' && hdr[1] == 'Z' && hdr[2] == 'h' {
		return Bzip2, nil
	}
	if len(hdr) >= 6 && hdr[0] == 0xFD && hdr[1] == '7' && hdr[2] == 'z' && hdr[3] == 'X' && hdr[4] == 'Z' && hdr[5] == 0x00 {
		return XZ, nil
	}
	return None, nil
}

func readFull(src *source.Source, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		k, err := src.Read(dst[n:])
		if err != nil {
			return n, err
		}
		if k == 0 {
			break
		}
		n += k
	}
	return n, nil
}

// rawReader adapts source.Source's 0-at-EOF contract to the io.EOF contract
// compress/* and ulikunitz/xz decoders expect.
type rawReader struct{ src *source.Source }

func (r rawReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Decompressor exposes a decompressed, seekable view over a compressed
// source.Source.
type Decompressor struct {
	src  *source.Source
	kind Kind

	decoder io.Reader
	closer  io.Closer

	carryBase int64 // absolute logical offset of carry[0]
	carry     []byte
	carryPos  int // index into carry of the current read position

	pos       int64
	size      int64 // -1 until known
	sizeKnown bool

	header Header
}

// New builds a Decompressor of the given kind over src, which must be
// positioned anywhere (it will be seeked to 0 as part of opening the
// decoder). kind must not be None.
func New(src *source.Source, kind Kind) (*Decompressor, error) {
	d := &Decompressor{src: src, kind: kind, size: -1}
	if err := d.resetAt0(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decompressor) newDecoder() (io.Reader, io.Closer, error) {
	if _, err := d.src.Seek(0, source.SET); err != nil {
		return nil, nil, err
	}
	raw := rawReader{d.src}
	switch d.kind {
	case Gzip:
		zr, err := kzip.NewReader(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress: gzip header: %w", err)
		}
		d.header = Header{Name: zr.Name, Comment: zr.Comment}
		return zr, zr, nil
	case Bzip2:
		return bzip2.NewReader(raw), nil, nil
	case XZ:
		xr, err := xz.NewReader(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress: xz header: %w", err)
		}
		return xr, nil, nil
	default:
		return nil, nil, fmt.Errorf("decompress: unsupported kind %v", d.kind)
	}
}

// resetAt0 discards all decoded state and rebuilds the decoder from the
// start of the compressed stream, the only way to seek backward through a
// one-directional decompression stream.
func (d *Decompressor) resetAt0() error {
	if d.closer != nil {
		d.closer.Close()
	}
	dec, closer, err := d.newDecoder()
	if err != nil {
		return err
	}
	d.decoder = dec
	d.closer = closer
	d.carryBase = 0
	d.carry = d.carry[:0]
	d.carryPos = 0
	return nil
}

// Header returns the compressor-supplied filename/comment, if any (gzip
// only; zero value for bzip2/xz).
func (d *Decompressor) Header() Header { return d.header }

// UncompressedSize reports the total decompressed length. It is -1 until a
// decode has reached end-of-stream at least once; force triggers a
// decode-and-discard to EOS (retaining the current position) to learn it
// immediately.
func (d *Decompressor) UncompressedSize(force bool) (int64, error) {
	if d.sizeKnown {
		return d.size, nil
	}
	if !force {
		return -1, nil
	}
	save := d.pos
	if _, err := d.Seek(0, source.END); err != nil {
		return -1, err
	}
	if _, err := d.Seek(save, source.SET); err != nil {
		return -1, err
	}
	return d.size, nil
}

// Read decompresses up to len(dst) bytes, buffering whatever the decoder
// produces beyond the request in the carry.
func (d *Decompressor) Read(dst []byte) (int, error) {
	target := int64(d.carryPos) + int64(len(dst))
	if err := d.extendTo(d.carryBase + target); err != nil {
		return 0, err
	}
	avail := len(d.carry) - d.carryPos
	if avail <= 0 {
		return 0, nil
	}
	n := len(dst)
	if n > avail {
		n = avail
	}
	copy(dst[:n], d.carry[d.carryPos:d.carryPos+n])
	d.carryPos += n
	d.pos += int64(n)
	d.trim()
	return n, nil
}

// extendTo grows carry (by pulling from the live decoder) until
// carryBase+len(carry) >= target or the decoder reaches EOS.
func (d *Decompressor) extendTo(target int64) error {
	for d.carryBase+int64(len(d.carry)) < target {
		chunk := make([]byte, chunkSz)
		n, err := d.decoder.Read(chunk)
		if n > 0 {
			d.carry = append(d.carry, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				d.size = d.carryBase + int64(len(d.carry))
				d.sizeKnown = true
				return nil
			}
			return fmt.Errorf("decompress: decode: %w", err)
		}
		d.trimDuring(target)
	}
	return nil
}

// trim drops the fully-consumed prefix of carry (indices before carryPos)
// once it grows past trimCap, so sequential forward reads don't retain
// unbounded history.
func (d *Decompressor) trim() {
	if d.carryPos < trimCap {
		return
	}
	d.carryBase += int64(d.carryPos)
	d.carry = append(d.carry[:0], d.carry[d.carryPos:]...)
	d.carryPos = 0
}

// trimDuring drops carry content well behind target while extending, so a
// long discard-forward (or a full replay-to-EOS) doesn't materialize the
// whole stream in memory.
func (d *Decompressor) trimDuring(target int64) {
	keepFrom := target - d.carryBase - trimCap
	if keepFrom <= 0 {
		return
	}
	if keepFrom > int64(len(d.carry)) {
		keepFrom = int64(len(d.carry))
	}
	d.carryBase += keepFrom
	d.carry = append(d.carry[:0], d.carry[keepFrom:]...)
}

// Seek repositions the decompressed logical cursor. Seeks
// inside the currently-buffered carry are a pure index update; forward
// seeks beyond it decode-and-discard; backward seeks, or END-relative seeks
// while the total size is still unknown, reset the decoder and replay from
// offset 0.
func (d *Decompressor) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case source.SET:
		target = offset
	case source.CUR:
		target = d.pos + offset
	case source.END:
		if !d.sizeKnown {
			if err := d.decodeToEOS(); err != nil {
				return 0, err
			}
		}
		target = d.size + offset
	default:
		return 0, fmt.Errorf("decompress: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, source.ErrNegativeSeek
	}
	if d.sizeKnown && target > d.size {
		return 0, source.ErrSeekPastEnd
	}

	switch {
	case target >= d.carryBase && target <= d.carryBase+int64(len(d.carry)):
		d.carryPos = int(target - d.carryBase)
	case target > d.carryBase+int64(len(d.carry)):
		if err := d.extendTo(target); err != nil {
			return 0, err
		}
		if d.sizeKnown && target > d.carryBase+int64(len(d.carry)) {
			return 0, source.ErrSeekPastEnd
		}
		d.carryPos = int(target - d.carryBase)
	default: // target < carryBase: backward seek, must reset and replay
		if err := d.resetAt0(); err != nil {
			return 0, err
		}
		if err := d.extendTo(target); err != nil {
			return 0, err
		}
		d.carryPos = int(target - d.carryBase)
	}
	d.pos = target
	d.trim()
	return d.pos, nil
}

// decodeToEOS replays the stream (resetting first, since partial decode
// state can't cheaply fast-forward to the very end) purely to learn the
// uncompressed size; it leaves the cursor at the end of stream, to be
// restored by the caller.
func (d *Decompressor) decodeToEOS() error {
	if err := d.resetAt0(); err != nil {
		return err
	}
	for !d.sizeKnown {
		chunk := make([]byte, chunkSz)
		n, err := d.decoder.Read(chunk)
		if n > 0 {
			d.carry = append(d.carry, chunk[:n]...)
			d.trimDuring(d.carryBase + int64(len(d.carry)))
		}
		if err != nil {
			if err == io.EOF {
				d.size = d.carryBase + int64(len(d.carry))
				d.sizeKnown = true
				break
			}
			return fmt.Errorf("decompress: decode: %w", err)
		}
	}
	d.pos = d.size
	d.carryPos = len(d.carry)
	return nil
}

// Close releases any resources (the gzip reader) held by the current
// decoder.
func (d *Decompressor) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
