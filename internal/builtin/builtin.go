// Package builtin holds the collector modules compiled into the engine.
package builtin

import (
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/registry"
)

var factories = []module.Factory{
	NewAbuseIPDB,
	NewDNSResolve,
	NewStrangeHeaders,
}

// Entries returns a registry entry per built-in module, skipping the names
// in override.
func Entries(override map[string]bool) []registry.Entry {
	var out []registry.Entry
	for _, f := range factories {
		e := registry.FromFactory(f)
		if override[e.Descriptor.Name] {
			continue
		}
		out = append(out, e)
	}
	return out
}
