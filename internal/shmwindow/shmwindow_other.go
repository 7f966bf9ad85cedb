//go:build windows

package shmwindow

import "fmt"

// heapBacking is the portability fallback for platforms without POSIX
// shared memory. It keeps the Window API usable (e.g. for the in-process
// path, which never needs cross-process sharing) but does not actually
// share bytes across OS processes; a Windows named file mapping would plug
// in behind the same backing interface without touching callers.
type heapBacking struct {
	data []byte
}

func newBacking(name string, size int) (backing, []byte, error) {
	data := make([]byte, size)
	return &heapBacking{data: data}, data, nil
}

func (b *heapBacking) bytes() []byte { return b.data }
func (b *heapBacking) close() error  { b.data = nil; return nil }

// AttachReadOnly has no real analogue without a Windows named file mapping
// implementation; returning an error keeps callers honest about the gap
// rather than silently no-op'ing.
func AttachReadOnly(name string, size int) ([]byte, func() error, error) {
	return nil, nil, fmt.Errorf("shmwindow: AttachReadOnly not implemented on this platform")
}
