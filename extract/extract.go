package extract

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ndurner/libextractor-sub002/internal/datasource"
	"github.com/ndurner/libextractor-sub002/internal/engine"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/xconfig"
	"github.com/ndurner/libextractor-sub002/internal/xlog"
)

// Sink receives one discovered metadata item.
type Sink = engine.Sink

// Options configures a single extraction pass.
type Options struct {
	Config xconfig.Config
	Log    *logrus.Logger
}

// File runs every extractor in descs over the file at path, reporting
// results to sink.
func File(path string, descs []registry.Descriptor, sink Sink, opts Options) error {
	cfg := resolveConfig(opts.Config)
	fac, err := datasource.OpenFile(path, cfg.SourceBufCap)
	if err != nil {
		return fmt.Errorf("extract: open %s: %w", path, err)
	}
	defer fac.Close()
	return run(fac, path, descs, sink, cfg, opts.Log)
}

// Memory runs every extractor in descs over an in-memory buffer, reporting
// results to sink.
func Memory(buf []byte, descs []registry.Descriptor, sink Sink, opts Options) error {
	cfg := resolveConfig(opts.Config)
	fac, err := datasource.OpenMemory(buf)
	if err != nil {
		return fmt.Errorf("extract: open memory buffer: %w", err)
	}
	defer fac.Close()
	return run(fac, "<memory>", descs, sink, cfg, opts.Log)
}

func resolveConfig(cfg xconfig.Config) xconfig.Config {
	if cfg == (xconfig.Config{}) {
		return xconfig.Default()
	}
	return cfg
}

func run(fac *datasource.Facade, label string, descs []registry.Descriptor, sink Sink, cfg xconfig.Config, log *logrus.Logger) error {
	if log == nil {
		log = xlog.New()
	}
	entry := xlog.ForFile(log, label)
	e := engine.New(cfg, entry)
	return e.Run(fac, descs, sink)
}
