package engine

import (
	"fmt"
	"io"

	"github.com/ndurner/libextractor-sub002/internal/datasource"
	"github.com/ndurner/libextractor-sub002/internal/registry"
)

// inProcCallbacks implements registry.Callbacks directly over a Facade, with
// no wire protocol and no shared-memory window: the in-process fast path
// reserved for extractors flagged to skip process isolation.
type inProcCallbacks struct {
	fac  *datasource.Facade
	sink Sink
	name string
}

func (c *inProcCallbacks) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := c.fac.Read(buf[total:])
		if err != nil {
			return buf[:total], err
		}
		if k == 0 {
			if total == 0 {
				return nil, io.EOF
			}
			break
		}
		total += k
	}
	return buf[:total], nil
}

func (c *inProcCallbacks) Seek(pos int64, whence int) (int64, error) {
	return c.fac.Seek(pos, whence)
}

func (c *inProcCallbacks) Proc(format, typ uint16, mime string, value []byte) (bool, error) {
	return c.sink(c.name, format, typ, mime, value), nil
}

// runInProcess runs one in-process extractor directly against fac, with no
// subprocess, no window, and no protocol framing at all.
func (e *Engine) runInProcess(fac *datasource.Facade, d registry.Descriptor, sink Sink) error {
	if _, err := fac.Seek(0, 0); err != nil {
		return fmt.Errorf("engine: rewind before in-process %s: %w", d.Short, err)
	}
	cb := &inProcCallbacks{fac: fac, sink: sink, name: d.Short}
	if err := d.Entry(cb, d.Options); err != nil {
		return fmt.Errorf("engine: in-process %s: %w", d.Short, err)
	}
	return nil
}
