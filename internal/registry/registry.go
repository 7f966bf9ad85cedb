// Package registry models the extractor descriptor and the in-process
// callback contract a worker exposes to extractor code. Dynamic loading of
// arbitrary shared libraries isn't portable in Go (no dlopen), so
// extractors here are Go functions resolved by short name from a static
// registry instead of a dynamic plugin loader. See DESIGN.md for the Open
// Question this resolves.
package registry

import (
	"fmt"
	"sync"
)

// Mode selects whether an extractor runs in its own OS process (mediated by
// the worker channel/round scheduler) or in-process (the in-process sweep).
type Mode int

const (
	OutOfProcess Mode = iota
	InProcess
)

// Flags are the per-extractor special behaviours a descriptor can carry.
type Flags uint8

const (
	// KillAfterFile: the worker flushes output and exits on DONE instead of
	// looping back for the next file.
	KillAfterFile Flags = 1 << iota
	// CloseStdio: the worker's own stdout/stderr are redirected to
	// /dev/null before the extractor runs.
	CloseStdio
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Callbacks is what a worker (in-process or out-of-process) exposes to
// extractor code: read, seek, and proc.
type Callbacks interface {
	// Read returns up to n bytes starting at the current position. The
	// returned slice is a view valid only until the next Read/Seek call.
	Read(n int) ([]byte, error)
	// Seek repositions the logical read cursor.
	Seek(pos int64, whence int) (int64, error)
	// Proc reports one discovered metadata item and returns true if the
	// extractor should stop (the sink asked to abort this file, or the
	// worker is being torn down).
	Proc(format, typ uint16, mime string, value []byte) (stop bool, err error)
}

// ExtractFunc is the extractor entry point contract: given callbacks into
// the current file and the extractor's configured options string, discover
// and report metadata until done or asked to stop.
type ExtractFunc func(cb Callbacks, options string) error

// Descriptor is one configured extractor: an opaque handle (Library/Symbol,
// kept for parity with a dynamically loaded library's shape even though
// this registry resolves Entry statically), a short name, options,
// execution mode, and special flags.
type Descriptor struct {
	Library string // informational only; no dynamic loader reads this
	Symbol  string // the registry name Entry was registered under
	Short   string // short name used in config strings and sink "origin"
	Options string
	Mode    Mode
	Flags   Flags
	Entry   ExtractFunc
}

var (
	mu    sync.RWMutex
	known = map[string]ExtractFunc{}
)

// Register makes an extractor entry point available under short, for later
// lookup by worker bootstrap or direct dispatch from the in-process sweep.
// Extractor packages call this from an init() function, mirroring how
// plugin.Symbol lookups resolve a fixed exported name in a dlopen-based
// design.
func Register(short string, fn ExtractFunc) {
	mu.Lock()
	defer mu.Unlock()
	known[short] = fn
}

// Lookup resolves a previously Registered extractor by short name.
func Lookup(short string) (ExtractFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := known[short]
	return fn, ok
}

// Build looks short up in the registry and returns a Descriptor with its
// Entry set; it fails if nothing is registered under short.
func Build(short, options string, mode Mode, flags Flags) (Descriptor, error) {
	fn, ok := Lookup(short)
	if !ok {
		return Descriptor{}, fmt.Errorf("registry: no extractor registered under %q", short)
	}
	return Descriptor{Symbol: short, Short: short, Options: options, Mode: mode, Flags: flags, Entry: fn}, nil
}
