// Package plugins registers the extractor entry points internal/registry
// dispatches by short name — Go functions standing in for an opaque
// library handle, since there is no portable dlopen (see internal/registry
// and DESIGN.md). Importing this package for its side effects is what
// makes "magic" and "text" available to extract.ResolveExtractors.
package plugins

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ndurner/libextractor-sub002/internal/protocol"
	"github.com/ndurner/libextractor-sub002/internal/registry"
)

func init() {
	registry.Register("magic", magicExtract)
	registry.Register("text", textExtract)
}

var magicSignatures = []struct {
	mime   string
	prefix []byte
}{
	{"image/png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	{"image/jpeg", []byte{0xff, 0xd8, 0xff}},
	{"application/pdf", []byte("%PDF-")},
	{"application/zip", []byte{'P', 'K', 0x03, 0x04}},
	{"image/gif", []byte("GIF8")},
}

// magicExtract reports a single "mimetype" item if the file's leading bytes
// match one of a small built-in table of magic numbers. It is a
// deliberately minimal stand-in for a full PRONOM-style bytematcher, which
// would depend on a persisted signature file — see DESIGN.md.
func magicExtract(cb registry.Callbacks, options string) error {
	if _, err := cb.Seek(0, io.SeekStart); err != nil {
		return err
	}
	head, err := cb.Read(16)
	if err != nil && err != io.EOF {
		return err
	}
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(head, sig.prefix) {
			_, err := cb.Proc(0, protocol.MetaMimetype, "", []byte(sig.mime))
			return err
		}
	}
	return nil
}

// textExtract reports the byte length of the file as a coarse metadata
// item, and additionally reports a text/plain item when no byte below 0x09
// (tab) occurs anywhere in the file. Deliberately small: real text
// classification heuristics are out of scope here.
func textExtract(cb registry.Callbacks, options string) error {
	if _, err := cb.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var total int64
	var sawNonText bool
	for {
		chunk, err := cb.Read(4096)
		total += int64(len(chunk))
		if !sawNonText {
			for _, b := range chunk {
				if b == 0 || (b < 0x09 && b != 0) {
					sawNonText = true
					break
				}
			}
		}
		if err == io.EOF || len(chunk) == 0 {
			break
		}
		if err != nil {
			return err
		}
	}
	sizeBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(sizeBuf, uint64(total))
	if _, err := cb.Proc(0, protocol.MetaSize, "", sizeBuf); err != nil {
		return err
	}
	if !sawNonText {
		if _, err := cb.Proc(0, protocol.MetaMimetype, "text/plain", nil); err != nil {
			return err
		}
	}
	return nil
}
