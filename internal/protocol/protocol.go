// Package protocol implements the framed, fixed-layout request/response
// message codec shared by the engine and every worker process. All
// multi-byte integers are little-endian; there is no alignment padding
// beyond what each frame's header literally specifies.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a frame kind.
type Opcode byte

const (
	OpInitState Opcode = iota
	OpExtractStart
	OpUpdatedSHM
	OpDiscardState
	OpContinueExtracting
	OpDone
	OpSeek
	OpMeta
)

func (o Opcode) String() string {
	switch o {
	case OpInitState:
		return "INIT_STATE"
	case OpExtractStart:
		return "EXTRACT_START"
	case OpUpdatedSHM:
		return "UPDATED_SHM"
	case OpDiscardState:
		return "DISCARD_STATE"
	case OpContinueExtracting:
		return "CONTINUE_EXTRACTING"
	case OpDone:
		return "DONE"
	case OpSeek:
		return "SEEK"
	case OpMeta:
		return "META"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(o))
	}
}

// Whence values as carried on the wire. CUR is never sent.
const (
	WhenceSet = 0
	WhenceEnd = 2
)

// MaxValueSize is the hard cap on a META frame's value_size. Exceeding it
// marks the worker as malicious.
const MaxValueSize = 32 << 20

// Known META type codes. A type value outside this enumeration is
// remapped to MetaUnknown by NormalizeMetaType before it ever reaches a
// sink — the wire format leaves "type" an open-ended uint16, but the set
// of values a sink can meaningfully interpret is bounded.
const (
	MetaUnknown  uint16 = 0
	MetaMimetype uint16 = 1
	MetaFilename uint16 = 2
	MetaComment  uint16 = 3
	MetaSize     uint16 = 4
	MetaTitle    uint16 = 5
)

const maxKnownMetaType = MetaTitle

// NormalizeMetaType remaps any type value outside the known enumeration to
// MetaUnknown.
func NormalizeMetaType(t uint16) uint16 {
	if t > maxKnownMetaType {
		return MetaUnknown
	}
	return t
}

var (
	ErrUnknownOpcode  = errors.New("protocol: unknown opcode")
	ErrOversizedValue = errors.New("protocol: META value_size exceeds cap")
	ErrBadMimeNUL     = errors.New("protocol: META mime string not NUL-terminated")
	ErrTruncated      = errors.New("protocol: frame truncated")
	ErrShortWrite     = errors.New("protocol: short write")
)

var le = binary.LittleEndian

// InitState is engine→worker: announces the shared-memory window name/size.
type InitState struct {
	ShmName []byte
	ShmSize uint32
}

// ExtractStart is engine→worker: the window is primed, begin extracting.
type ExtractStart struct {
	ShmReady uint32
	FileSize uint64
}

// UpdatedSHM is engine→worker: the window has moved.
type UpdatedSHM struct {
	ShmReady  uint32
	ShmOffset uint64
	FileSize  uint64
}

// Seek is worker→engine: a request to move the window.
type Seek struct {
	Whence    uint16 // WhenceSet or WhenceEnd, never CUR
	Requested uint32
	Offset    uint64
}

// Meta is worker→engine: one discovered metadata item.
type Meta struct {
	Format uint16
	Type   uint16
	Mime   string // already stripped of its NUL terminator
	Value  []byte
}

// --- encoding ---

// EncodeInitState writes an INIT_STATE frame.
func EncodeInitState(w io.Writer, m InitState) error {
	buf := make([]byte, 1+3+4+4+len(m.ShmName))
	buf[0] = byte(OpInitState)
	// 1 reserved + 2 reserved already zero
	le.PutUint32(buf[4:8], uint32(len(m.ShmName)))
	le.PutUint32(buf[8:12], m.ShmSize)
	copy(buf[12:], m.ShmName)
	return writeFull(w, buf)
}

// EncodeExtractStart writes an EXTRACT_START frame.
func EncodeExtractStart(w io.Writer, m ExtractStart) error {
	buf := make([]byte, 1+3+4+8)
	buf[0] = byte(OpExtractStart)
	le.PutUint32(buf[4:8], m.ShmReady)
	le.PutUint64(buf[8:16], m.FileSize)
	return writeFull(w, buf)
}

// EncodeUpdatedSHM writes an UPDATED_SHM frame.
func EncodeUpdatedSHM(w io.Writer, m UpdatedSHM) error {
	buf := make([]byte, 1+3+4+8+8)
	buf[0] = byte(OpUpdatedSHM)
	le.PutUint32(buf[4:8], m.ShmReady)
	le.PutUint64(buf[8:16], m.ShmOffset)
	le.PutUint64(buf[16:24], m.FileSize)
	return writeFull(w, buf)
}

// EncodeDiscardState writes a DISCARD_STATE frame (no payload).
func EncodeDiscardState(w io.Writer) error {
	return writeFull(w, []byte{byte(OpDiscardState)})
}

// EncodeContinueExtracting writes a CONTINUE_EXTRACTING frame (no payload).
func EncodeContinueExtracting(w io.Writer) error {
	return writeFull(w, []byte{byte(OpContinueExtracting)})
}

// EncodeDone writes a DONE frame (no payload).
func EncodeDone(w io.Writer) error {
	return writeFull(w, []byte{byte(OpDone)})
}

// EncodeSeek writes a SEEK frame.
func EncodeSeek(w io.Writer, m Seek) error {
	if m.Whence == 1 {
		return fmt.Errorf("protocol: SEEK.whence must never be CUR")
	}
	buf := make([]byte, 1+1+2+4+8)
	buf[0] = byte(OpSeek)
	le.PutUint16(buf[2:4], m.Whence)
	le.PutUint32(buf[4:8], m.Requested)
	le.PutUint64(buf[8:16], m.Offset)
	return writeFull(w, buf)
}

// EncodeMeta writes a META frame. mime, if non-empty, is NUL-terminated on
// the wire.
func EncodeMeta(w io.Writer, m Meta) error {
	if len(m.Value) > MaxValueSize {
		return ErrOversizedValue
	}
	mimeBytes := []byte(nil)
	if m.Mime != "" {
		mimeBytes = append([]byte(m.Mime), 0)
	}
	hdr := make([]byte, 1+1+2+2+2+4)
	hdr[0] = byte(OpMeta)
	le.PutUint16(hdr[2:4], m.Format)
	le.PutUint16(hdr[4:6], m.Type)
	le.PutUint16(hdr[6:8], uint16(len(mimeBytes)))
	le.PutUint32(hdr[8:12], uint32(len(m.Value)))
	full := make([]byte, 0, len(hdr)+len(mimeBytes)+len(m.Value))
	full = append(full, hdr...)
	full = append(full, mimeBytes...)
	full = append(full, m.Value...)
	return writeFull(w, full)
}

func writeFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

// --- decoding ---

// headerLen returns the number of fixed header bytes (including the opcode
// byte) each opcode carries, before any variable-length tail described by
// the header's own length fields (INIT_STATE's shm name, META's mime+value).
func headerLen(op Opcode) (int, error) {
	switch op {
	case OpInitState:
		return 12, nil // + shm name bytes
	case OpExtractStart:
		return 16, nil
	case OpUpdatedSHM:
		return 24, nil
	case OpDiscardState, OpContinueExtracting, OpDone:
		return 1, nil
	case OpSeek:
		return 16, nil
	case OpMeta:
		return 12, nil // + mime bytes + value bytes
	default:
		return 0, ErrUnknownOpcode
	}
}

// Decode attempts to consume exactly one frame from buf. It returns the
// number of bytes consumed, the opcode, and a type-specific payload (one of
// the struct types above, or nil for payload-less frames). If buf does not
// yet hold a complete frame, consumed is 0 and err is ErrTruncated — the
// caller should wait for more bytes and retry, never treating this as fatal
// on its own.
func Decode(buf []byte) (consumed int, op Opcode, payload interface{}, err error) {
	if len(buf) < 1 {
		return 0, 0, nil, ErrTruncated
	}
	op = Opcode(buf[0])
	hlen, herr := headerLen(op)
	if herr != nil {
		return 0, op, nil, herr
	}
	if len(buf) < hlen {
		return 0, op, nil, ErrTruncated
	}
	switch op {
	case OpInitState:
		nameLen := int(le.Uint32(buf[4:8]))
		total := hlen + nameLen
		if len(buf) < total {
			return 0, op, nil, ErrTruncated
		}
		name := make([]byte, nameLen)
		copy(name, buf[hlen:total])
		return total, op, InitState{ShmName: name, ShmSize: le.Uint32(buf[8:12])}, nil
	case OpExtractStart:
		return hlen, op, ExtractStart{ShmReady: le.Uint32(buf[4:8]), FileSize: le.Uint64(buf[8:16])}, nil
	case OpUpdatedSHM:
		return hlen, op, UpdatedSHM{
			ShmReady:  le.Uint32(buf[4:8]),
			ShmOffset: le.Uint64(buf[8:16]),
			FileSize:  le.Uint64(buf[16:24]),
		}, nil
	case OpDiscardState, OpContinueExtracting, OpDone:
		return hlen, op, nil, nil
	case OpSeek:
		return hlen, op, Seek{
			Whence:    le.Uint16(buf[2:4]),
			Requested: le.Uint32(buf[4:8]),
			Offset:    le.Uint64(buf[8:16]),
		}, nil
	case OpMeta:
		mimeLen := int(le.Uint16(buf[6:8]))
		valLen := int(le.Uint32(buf[8:12]))
		if valLen > MaxValueSize {
			return 0, op, nil, ErrOversizedValue
		}
		total := hlen + mimeLen + valLen
		if len(buf) < total {
			return 0, op, nil, ErrTruncated
		}
		var mime string
		if mimeLen > 0 {
			mimeBytes := buf[hlen : hlen+mimeLen]
			if mimeBytes[mimeLen-1] != 0 {
				return 0, op, nil, ErrBadMimeNUL
			}
			mime = string(mimeBytes[:mimeLen-1])
		}
		val := make([]byte, valLen)
		copy(val, buf[hlen+mimeLen:total])
		return total, op, Meta{
			Format: le.Uint16(buf[2:4]),
			Type:   le.Uint16(buf[4:6]),
			Mime:   mime,
			Value:  val,
		}, nil
	default:
		return 0, op, nil, ErrUnknownOpcode
	}
}
