package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/bdobrica/Hosuto/common/spec/bundle"
)

// Factory builds a Handler from a manifest entrypoint. pkgDir is the root of
// the materialized package for handlers that need package files.
type Factory func(ep bundle.Entrypoint, pkgDir string) (Handler, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a named factory to the built-in registry. It panics on
// duplicate names so collisions surface at startup, not at load time.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("handler: duplicate registration for " + name)
	}
	registry[name] = f
}

// Lookup returns the factory for the named built-in handler.
func Lookup(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names returns the registered built-in handler names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultTransformPrefix is used by the transform handler when the manifest
// does not configure one.
const DefaultTransformPrefix = "Processed: "

func init() {
	Register("echo", newEcho)
	Register("transform", newTransform)
}

// newEcho returns the identity handler: output equals input.
func newEcho(_ bundle.Entrypoint, _ string) (Handler, error) {
	return Func(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if len(input) == 0 {
			return json.RawMessage(`null`), nil
		}
		return input, nil
	}), nil
}

// newTransform returns a handler producing {"result": "<prefix><input>"}.
// String inputs are unquoted before prefixing; any other JSON value is
// prefixed in its compact textual form.
func newTransform(ep bundle.Entrypoint, _ string) (Handler, error) {
	prefix := ep.Config["prefix"]
	if prefix == "" {
		prefix = DefaultTransformPrefix
	}
	return Func(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		text, err := stringify(input)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(map[string]string{"result": prefix + text})
		if err != nil {
			return nil, fmt.Errorf("transform: encode result: %w", err)
		}
		return out, nil
	}), nil
}

// stringify renders a JSON payload as the text the transform handler
// prefixes: strings lose their quotes, everything else stays compact JSON.
func stringify(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", nil
	}
	if input[0] == '"' {
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return "", fmt.Errorf("transform: decode string input: %w", err)
		}
		return s, nil
	}
	return string(input), nil
}
