// Package moduletest provides a configurable in-memory Module for tests.
package moduletest

import (
	"context"
	"sync"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

// HandleFunc is the body of a test module's Handle
type HandleFunc func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error

// Module is a Module whose behavior is supplied by the test. It records every
// finding it was handed.
type Module struct {
	Desc      module.Descriptor
	OnHandle  HandleFunc
	OnConfig  func(opts module.Options, env module.Env) error
	env       module.Env
	opts      module.Options
	mu        sync.Mutex
	received  []*model.Finding
	inHandler int
	overlap   bool
}

// Descriptor returns the test descriptor
func (m *Module) Descriptor() module.Descriptor { return m.Desc }

// Configure stores the options and env
func (m *Module) Configure(opts module.Options, env module.Env) error {
	m.opts = opts
	m.env = env
	if m.OnConfig != nil {
		return m.OnConfig(opts, env)
	}
	return nil
}

// Handle records f and runs OnHandle
func (m *Module) Handle(ctx context.Context, f *model.Finding, emit module.Emitter) error {
	m.mu.Lock()
	m.received = append(m.received, f)
	m.inHandler++
	if m.inHandler > 1 {
		m.overlap = true
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inHandler--
		m.mu.Unlock()
	}()

	if m.OnHandle == nil {
		return nil
	}
	return m.OnHandle(ctx, m.env, f, emit)
}

// Received returns a copy of the findings handed to the module
func (m *Module) Received() []*model.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Finding(nil), m.received...)
}

// Overlapped reports whether Handle was ever entered concurrently
func (m *Module) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlap
}

// Options returns the options passed to Configure
func (m *Module) Options() module.Options {
	return m.opts
}

// Tracker hands out one Module per scan and remembers them by name
type Tracker struct {
	mu        sync.Mutex
	instances map[string][]*Module
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{instances: make(map[string][]*Module)}
}

// Factory returns a module.Factory building modules from desc and handle
func (t *Tracker) Factory(desc module.Descriptor, handle HandleFunc) module.Factory {
	return func() module.Module {
		m := &Module{Desc: desc, OnHandle: handle}
		t.mu.Lock()
		t.instances[desc.Name] = append(t.instances[desc.Name], m)
		t.mu.Unlock()
		return m
	}
}

// Instances returns the modules created for name, oldest first. The first
// instance is the one the registry created to read the descriptor, when
// FromFactory was used.
func (t *Tracker) Instances(name string) []*Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Module(nil), t.instances[name]...)
}

// Last returns the most recently created module for name
func (t *Tracker) Last(name string) *Module {
	all := t.Instances(name)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
