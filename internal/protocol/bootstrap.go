package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeBootstrap writes the handshake every worker reads before its first
// INIT_STATE: a flags byte followed by three length-prefixed strings —
// library path (empty when the worker is dispatched through the in-binary
// registry rather than a dynamically loaded library), short name, and
// options string. Go has no portable dlopen, so every worker is a
// self-exec'd child that reads this handshake off its inherited pipe
// before doing anything else.
func EncodeBootstrap(w io.Writer, flags byte, library, short, options string) error {
	if err := writeFull(w, []byte{flags}); err != nil {
		return err
	}
	for _, s := range []string{library, short, options} {
		b := []byte(s)
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint64(hdr, uint64(len(b)))
		if err := writeFull(w, hdr); err != nil {
			return err
		}
		if len(b) > 0 {
			if err := writeFull(w, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeBootstrap is the worker-side counterpart, reading the flags byte
// and three length-prefixed strings EncodeBootstrap wrote.
func DecodeBootstrap(r io.Reader) (flags byte, library, short, options string, err error) {
	fb := make([]byte, 1)
	if _, err := io.ReadFull(r, fb); err != nil {
		return 0, "", "", "", fmt.Errorf("protocol: bootstrap flags: %w", err)
	}
	vals := make([]string, 3)
	for i := range vals {
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return 0, "", "", "", fmt.Errorf("protocol: bootstrap header: %w", err)
		}
		n := binary.LittleEndian.Uint64(hdr)
		if n > MaxValueSize {
			return 0, "", "", "", fmt.Errorf("protocol: bootstrap field too large")
		}
		if n == 0 {
			continue
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, "", "", "", fmt.Errorf("protocol: bootstrap field: %w", err)
		}
		vals[i] = string(b)
	}
	return fb[0], vals[0], vals[1], vals[2], nil
}
