package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aegisflux/scanengine/internal/module"
)

// ModuleOptions holds operator-level options per module, loaded from a YAML
// file such as:
//
//	sfp_abuseipdb:
//	  api_key: "..."
//	  confidenceminimum: 90
type ModuleOptions struct {
	mu      sync.RWMutex
	modules map[string]module.Options
}

// NewModuleOptions creates an empty set
func NewModuleOptions() *ModuleOptions {
	return &ModuleOptions{modules: make(map[string]module.Options)}
}

// LoadModuleOptions reads path. An empty path yields an empty set.
func LoadModuleOptions(path string) (*ModuleOptions, error) {
	o := NewModuleOptions()
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module options: %w", err)
	}
	if err := o.parse(data); err != nil {
		return nil, fmt.Errorf("failed to parse module options %s: %w", path, err)
	}
	return o, nil
}

func (o *ModuleOptions) parse(data []byte) error {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, opts := range raw {
		o.modules[name] = module.Options(opts)
	}
	return nil
}

// ModuleOptions implements scan.OptionsSource
func (o *ModuleOptions) ModuleOptions(name string) module.Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.modules[name].Merge(nil)
}

// Set replaces the options of one module
func (o *ModuleOptions) Set(name string, opts module.Options) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modules[name] = opts
}

// Names returns the modules that have options configured
func (o *ModuleOptions) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.modules))
	for n := range o.modules {
		names = append(names, n)
	}
	return names
}
