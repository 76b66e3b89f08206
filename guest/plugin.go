package guest

import (
	"sort"

	"github.com/reglet-dev/plugos/protocol"
)

// Func implements one exported plugin function. A returned error is
// reported to the host; a *protocol.RemoteError is passed through as is,
// so a function can attach its own stack.
type Func func(c *Call) (protocol.Value, error)

// Plugin describes what a plugin exports.
type Plugin struct {
	// Functions are the exported functions by name.
	Functions map[string]Func

	// Manifest is sent to the host on startup. When null, a manifest
	// listing the function names is generated.
	Manifest protocol.Value
}

// ManifestValue returns the manifest sent during the handshake.
func (p *Plugin) ManifestValue() protocol.Value {
	if !p.Manifest.IsNull() {
		return p.Manifest
	}

	names := make([]string, 0, len(p.Functions))
	for name := range p.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	functions := make(map[string]protocol.Value, len(names))
	for _, name := range names {
		functions[name] = protocol.Map(map[string]protocol.Value{})
	}
	return protocol.Map(map[string]protocol.Value{
		"functions": protocol.Map(functions),
	})
}
