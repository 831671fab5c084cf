// Package script loads user-supplied entrypoint code and inspects its
// source for a scheduling directive before it ever runs.
package script

import (
	"fmt"
	"os"
	"plugin"
)

// Entrypoint is the signature every loaded script function must satisfy.
type Entrypoint func(pc map[string]any, params map[string]any) (any, error)

// Load opens the compiled plugin at path and looks up the named symbol,
// returning it as an Entrypoint. Load is deliberately uncached: plugins
// cannot be unloaded from a Go process, so each task attempt that needs a
// clean native-library state runs this inside a freshly exec'd child
// (see the runner package) rather than reusing an in-process handle.
func Load(path, symbol string) (Entrypoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("script %s not found: %w", path, err)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s has no symbol %s: %w", path, symbol, err)
	}

	fn, ok := sym.(func(map[string]any, map[string]any) (any, error))
	if !ok {
		return nil, fmt.Errorf("symbol %s in %s has the wrong signature", symbol, path)
	}
	return fn, nil
}
