// Package extract is the caller-facing API: build an extractor list, parse
// a colon-separated configuration string, and run an extraction pass over
// a file or in-memory buffer.
package extract

import "fmt"

// ConfigEntry is one resolved `[-]NAME[(OPTIONS)]` term from a
// configuration string, after add/remove resolution.
type ConfigEntry struct {
	Short   string
	Options string
}

// ParseConfig parses a colon-separated configuration string of the form
// `[-]NAME[(OPTIONS)][:…]`: a leading minus removes a previously added
// extractor of the same short name, parentheses carry that extractor's
// options, and an unterminated parenthesis is an error. A bare `-NAME` with
// no prior match is a silent no-op; see DESIGN.md.
func ParseConfig(s string) ([]ConfigEntry, error) {
	if s == "" {
		return nil, nil
	}

	order := []string{}
	byName := map[string]string{} // short -> options

	i := 0
	for i < len(s) {
		remove := false
		if s[i] == '-' {
			remove = true
			i++
		}
		nameStart := i
		for i < len(s) && s[i] != '(' && s[i] != ':' {
			i++
		}
		name := s[nameStart:i]
		if name == "" {
			return nil, fmt.Errorf("extract: empty extractor name at offset %d in config string", nameStart)
		}

		options := ""
		if i < len(s) && s[i] == '(' {
			depth := 1
			j := i + 1
			for j < len(s) && depth > 0 {
				switch s[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
			}
			if depth != 0 {
				return nil, fmt.Errorf("extract: unterminated '(' for extractor %q", name)
			}
			options = s[i+1 : j-1]
			i = j
		}

		if i < len(s) {
			if s[i] != ':' {
				return nil, fmt.Errorf("extract: expected ':' after extractor %q, got %q", name, s[i])
			}
			i++
		}

		if remove {
			if _, ok := byName[name]; ok {
				delete(byName, name)
				for k, n := range order {
					if n == name {
						order = append(order[:k], order[k+1:]...)
						break
					}
				}
			}
			continue
		}
		if _, exists := byName[name]; !exists {
			order = append(order, name)
		}
		byName[name] = options
	}

	entries := make([]ConfigEntry, 0, len(order))
	for _, name := range order {
		entries = append(entries, ConfigEntry{Short: name, Options: byName[name]})
	}
	return entries, nil
}
