// Package health reports liveness and readiness of the engine's components.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks a dependency, e.g. a database ping
type Probe func(ctx context.Context) error

const probeTimeout = 2 * time.Second

type component struct {
	ready    bool
	probe    Probe
	required bool
}

// ServiceChecker tracks named components. A component is either set ready
// explicitly or probed on demand. Required components decide liveness; all
// components decide readiness.
type ServiceChecker struct {
	mu         sync.RWMutex
	components map[string]*component
	logger     *slog.Logger
}

// NewServiceChecker creates a new service checker
func NewServiceChecker(logger *slog.Logger) *ServiceChecker {
	return &ServiceChecker{
		components: make(map[string]*component),
		logger:     logger,
	}
}

// SetReady sets the readiness of a flag-style component
func (c *ServiceChecker) SetReady(name string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[name]
	if !ok {
		comp = &component{}
		c.components[name] = comp
	}
	comp.ready = ready
	c.logger.Debug("Component readiness updated", "component", name, "ready", ready)
}

// AddProbe registers a probed component
func (c *ServiceChecker) AddProbe(name string, required bool, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{probe: p, required: required}
}

// SetRequired marks a component as needed for liveness
func (c *ServiceChecker) SetRequired(name string, required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[name]
	if !ok {
		comp = &component{}
		c.components[name] = comp
	}
	comp.required = required
}

func (c *ServiceChecker) check(ctx context.Context, name string, comp *component) error {
	if comp.probe == nil {
		if !comp.ready {
			return errNotReady
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := comp.probe(ctx); err != nil {
		c.logger.Debug("Probe failed", "component", name, "error", err)
		return err
	}
	return nil
}

func (c *ServiceChecker) snapshot() map[string]*component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*component, len(c.components))
	for name, comp := range c.components {
		cp := *comp
		out[name] = &cp
	}
	return out
}

// IsHealthy reports whether every required component is up
func (c *ServiceChecker) IsHealthy(ctx context.Context) bool {
	for name, comp := range c.snapshot() {
		if comp.required && c.check(ctx, name, comp) != nil {
			return false
		}
	}
	return true
}

// IsReady reports whether every component is up
func (c *ServiceChecker) IsReady(ctx context.Context) bool {
	for name, comp := range c.snapshot() {
		if c.check(ctx, name, comp) != nil {
			return false
		}
	}
	return true
}

// Status returns "ok" or the failure for each component
func (c *ServiceChecker) Status(ctx context.Context) map[string]string {
	comps := c.snapshot()
	names := make([]string, 0, len(comps))
	for name := range comps {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		if err := c.check(ctx, name, comps[name]); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
