// Package shmwindow implements the fixed-size shared-memory window into the
// file that every out-of-process worker reads from. It is reference-counted
// (one count per worker attached plus one held by the engine) and is only
// ever rewritten by the engine between scheduler decisions, never while a
// worker is mid-read — the request/response protocol in internal/protocol
// and internal/engine is what enforces that, this package only owns the
// bytes and the bookkeeping.
//
// The mapping is a POSIX shm_open-style named region backed by
// golang.org/x/sys/unix, with a random, process-unique name generated via
// github.com/google/uuid.
package shmwindow

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ndurner/libextractor-sub002/internal/datasource"
)

// Window is a contiguous mapping of Size bytes at a process-unique,
// printable Name.
type Window struct {
	Name string
	Size int

	data []byte
	impl backing

	refcount int32

	// covered range, updated only by Fill.
	Offset     int64
	ReadyBytes int
	FileSize   int64
}

// backing is the platform-specific mapping; see shmwindow_unix.go and
// shmwindow_other.go.
type backing interface {
	bytes() []byte
	close() error
}

// New allocates a window of size bytes with a fresh, process-unique name.
func New(size int) (*Window, error) {
	name := fmt.Sprintf("/extract-%d-%s", os.Getpid(), uuid.NewString())
	impl, data, err := newBacking(name, size)
	if err != nil {
		return nil, fmt.Errorf("shmwindow: create %s: %w", name, err)
	}
	return &Window{Name: name, Size: size, data: data, impl: impl, refcount: 1}, nil
}

// Bytes exposes the window's mapped bytes. Only the engine writes into it
// (via Fill); workers only read.
func (w *Window) Bytes() []byte { return w.data }

// ChangeRefcount adjusts the window's refcount by delta (positive when a
// worker attaches, negative when it detaches or is destroyed) and returns
// the new value. The caller destroys the window exactly when this returns 0.
func (w *Window) ChangeRefcount(delta int32) int32 {
	return atomic.AddInt32(&w.refcount, delta)
}

// Fill seeks fac to offset and reads up to len(w.data) bytes into the
// window, updating its covered range. It returns the number of bytes
// actually placed, which may be less than the window size at EOF.
func (w *Window) Fill(fac *datasource.Facade, offset int64) (int, error) {
	if _, err := fac.Seek(offset, 0); err != nil {
		return 0, fmt.Errorf("shmwindow: seek: %w", err)
	}
	n := 0
	for n < len(w.data) {
		k, err := fac.Read(w.data[n:])
		if err != nil {
			return n, fmt.Errorf("shmwindow: read: %w", err)
		}
		if k == 0 {
			break
		}
		n += k
	}
	w.Offset = offset
	w.ReadyBytes = n
	if sz, err := fac.Size(false); err == nil && sz >= 0 {
		w.FileSize = sz
	}
	return n, nil
}

// Destroy unlinks the window's name before freeing its mapping. It is
// idempotent-safe to call only once the refcount has reached 0.
func (w *Window) Destroy() error {
	if w.impl == nil {
		return nil
	}
	err := w.impl.close()
	w.impl = nil
	w.data = nil
	return err
}
