//go:build linux || darwin || freebsd

package shmwindow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// posixBacking is a POSIX named shared-memory mapping: shm_open is a glibc
// wrapper around opening a file under /dev/shm, not a distinct syscall, so
// it's reproduced directly with os.OpenFile + unix.Mmap.
type posixBacking struct {
	f    *os.File
	path string
	data []byte
}

func shmPath(name string) string {
	return filepath.Join("/dev/shm", strings.TrimPrefix(name, "/"))
}

func newBacking(name string, size int) (backing, []byte, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("shm_open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return &posixBacking{f: f, path: path, data: data}, data, nil
}

func (b *posixBacking) bytes() []byte { return b.data }

func (b *posixBacking) close() error {
	// Unlink the name before freeing.
	os.Remove(b.path)
	err := unix.Munmap(b.data)
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// AttachReadOnly maps an existing named window read-only; used by worker
// processes (internal/workerproc) to attach to a window the engine created.
func AttachReadOnly(name string, size int) ([]byte, func() error, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("shm_open %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	closer := func() error {
		err := unix.Munmap(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return data, closer, nil
}
