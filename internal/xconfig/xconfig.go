// Package xconfig loads the engine's tuning knobs from an optional TOML
// file via github.com/pelletier/go-toml/v2. None of these knobs change
// extraction semantics — only tuning — and every field has a stated
// default that remains the fallback when no file is present or a field is
// omitted.
package xconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the engine's tunables, each with an explicit default.
type Config struct {
	// WindowSize is the shared-memory window size in bytes (default: 16
	// KiB).
	WindowSize int `toml:"window_size"`
	// ReassemblyInitial / ReassemblyMax bound a worker channel's
	// reassembly buffer (default: 1 KiB doubling to 32 MiB).
	ReassemblyInitial int `toml:"reassembly_initial"`
	ReassemblyMax     int `toml:"reassembly_max"`
	// MultiplexTimeout is the round scheduler's per-iteration poll wait
	// (default: 500 ms).
	MultiplexTimeout time.Duration `toml:"multiplex_timeout"`
	// SourceBufCap bounds a file-backed source's in-memory sliding buffer
	// (default: 4 MiB).
	SourceBufCap int `toml:"source_buf_cap"`
}

// Default returns the configuration with every knob set to its stated
// default.
func Default() Config {
	return Config{
		WindowSize:        16 << 10,
		ReassemblyInitial: 1 << 10,
		ReassemblyMax:     32 << 20,
		MultiplexTimeout:  500 * time.Millisecond,
		SourceBufCap:      4 << 20,
	}
}

// Load reads a TOML file at path and overlays it onto Default(); a missing
// file is not an error (Default() alone is returned).
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("xconfig: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("xconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
