// Package datasource implements the uniform read/seek/size facade over raw
// or transparently-decompressed input. It is a thin dispatcher owning both
// the buffered source.Source and, when the input is compressed, a
// decompress.Decompressor, so every caller downstream sees one source of
// truth for a file's bytes regardless of whether it's raw or wrapped.
package datasource

import (
	"fmt"
	"os"

	"github.com/ndurner/libextractor-sub002/internal/decompress"
	"github.com/ndurner/libextractor-sub002/internal/source"
)

// CompressorMeta is the preliminary metadata item the facade can surface
// from a compressor's own header: origin is always "compressor".
type CompressorMeta struct {
	Origin  string
	Kind    decompress.Kind
	Name    string
	Comment string
	Mime    string
}

// Facade is the data source's single source of truth for absolute offsets.
type Facade struct {
	src  *source.Source
	dec  *decompress.Decompressor
	kind decompress.Kind

	file *os.File // non-nil when the facade opened the file itself
}

// OpenFile builds a Facade over a file path, sniffing for gzip/bzip2/xz
// compression on the raw bytes. bufCap bounds the facade's in-memory
// sliding buffer for the raw file; zero falls back to a built-in default.
func OpenFile(path string, bufCap int) (*Facade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: open %s: %w", path, err)
	}
	fac, err := newFacade(f, nil, bufCap)
	if err != nil {
		f.Close()
		return nil, err
	}
	fac.file = f
	return fac, nil
}

// OpenMemory builds a Facade over an in-memory byte buffer.
func OpenMemory(b []byte) (*Facade, error) {
	return newFacade(nil, b, 0)
}

func newFacade(f *os.File, mem []byte, bufCap int) (*Facade, error) {
	var src *source.Source
	var err error
	if mem != nil {
		src = source.NewMemory(mem)
	} else {
		src, err = source.NewFile(f, bufCap)
		if err != nil {
			return nil, err
		}
	}
	fac := &Facade{src: src}
	kind, err := decompress.Sniff(src)
	if err != nil {
		return nil, err
	}
	fac.kind = kind
	if kind != decompress.None {
		dec, err := decompress.New(src, kind)
		if err != nil {
			return nil, err
		}
		fac.dec = dec
	}
	return fac, nil
}

// CompressionKind reports which compression, if any, was sniffed.
func (fac *Facade) CompressionKind() decompress.Kind { return fac.kind }

// CompressorMeta returns the compressor-supplied filename/comment, if the
// input was gzip-compressed and carried one, as a ready-to-sink metadata
// item. ok is false when there is nothing to report.
func (fac *Facade) CompressorMeta() (CompressorMeta, bool) {
	if fac.dec == nil || fac.kind != decompress.Gzip {
		return CompressorMeta{}, false
	}
	h := fac.dec.Header()
	if h.Name == "" && h.Comment == "" {
		return CompressorMeta{}, false
	}
	return CompressorMeta{Origin: "compressor", Kind: fac.kind, Name: h.Name, Comment: h.Comment, Mime: "text/plain"}, true
}

// Read reads from whichever layer is active (decompressor if installed,
// else the raw buffered source).
func (fac *Facade) Read(dst []byte) (int, error) {
	if fac.dec != nil {
		return fac.dec.Read(dst)
	}
	return fac.src.Read(dst)
}

// Seek seeks the logical (possibly decompressed) stream.
func (fac *Facade) Seek(offset int64, whence int) (int64, error) {
	if fac.dec != nil {
		return fac.dec.Seek(offset, whence)
	}
	return fac.src.Seek(offset, whence)
}

// Size reports the logical stream's total length, -1 if a compressed
// stream's size is not yet known and force is false.
func (fac *Facade) Size(force bool) (int64, error) {
	if fac.dec != nil {
		return fac.dec.UncompressedSize(force)
	}
	return fac.src.Size(force), nil
}

// Close releases the decompressor (if any) and the file handle (if the
// Facade opened one itself).
func (fac *Facade) Close() error {
	var err error
	if fac.dec != nil {
		err = fac.dec.Close()
	}
	if fac.file != nil {
		if cerr := fac.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
