package extract

import "github.com/ndurner/libextractor-sub002/internal/registry"

// BuildExtractors resolves each entry against the registry, running every
// one out-of-process with the given flags. Callers wanting per-extractor
// mode/flags beyond that build registry.Descriptor values directly instead
// of going through config strings.
func BuildExtractors(entries []ConfigEntry, flags registry.Flags) ([]registry.Descriptor, error) {
	descs := make([]registry.Descriptor, 0, len(entries))
	for _, e := range entries {
		d, err := registry.Build(e.Short, e.Options, registry.OutOfProcess, flags)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// ResolveExtractors parses a configuration string and builds its extractor
// list. The compressor pseudo-extractor needs no registry.Entry of its own
// and is always surfaced directly by internal/engine from the Facade,
// regardless of this list.
func ResolveExtractors(configStr string, flags registry.Flags) ([]registry.Descriptor, error) {
	entries, err := ParseConfig(configStr)
	if err != nil {
		return nil, err
	}
	descs, err := BuildExtractors(entries, flags)
	if err != nil {
		return nil, err
	}
	return descs, nil
}
