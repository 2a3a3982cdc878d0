// Package module defines the contract between the scan engine and the
// collector modules it orchestrates.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegisflux/scanengine/internal/fetch"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/scope"
)

// Module is implemented by every collector. A fresh instance is created per
// scan; Handle is never called concurrently on the same instance.
type Module interface {
	// Descriptor returns the static declaration of the module. It is read once
	// when the module is registered.
	Descriptor() Descriptor

	// Configure is called once per scan before any finding is delivered.
	Configure(opts Options, env Env) error

	// Handle processes one finding and may emit new ones. It must not modify
	// f. Returning an error wrapped with Unrecoverable puts the module into
	// error state; any other error drops this finding only.
	Handle(ctx context.Context, f *model.Finding, emit Emitter) error
}

// Factory creates a new module instance
type Factory func() Module

// Emitter publishes findings back into the scan
type Emitter interface {
	Emit(ctx context.Context, f *model.Finding) error
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(ctx context.Context, f *model.Finding) error

// Emit calls fn
func (fn EmitterFunc) Emit(ctx context.Context, f *model.Finding) error {
	return fn(ctx, f)
}

// Network is the outbound call surface a module gets. Calls go through the
// shared response cache and per-source pacing.
type Network interface {
	Do(ctx context.Context, call fetch.Call) (*fetch.Response, error)
}

// Env is the per-scan environment handed to Configure
type Env struct {
	ScanID string
	Target model.Target
	Scope  scope.Checker
	Net    Network
	Logger *slog.Logger
}

var (
	// ErrUnrecoverable marks a handler error that must stop delivery to the
	// module for the rest of the scan.
	ErrUnrecoverable = errors.New("unrecoverable module error")

	// ErrMissingAPIKey is reported for modules that need a key and have none
	ErrMissingAPIKey = errors.New("missing API key")
)

// Unrecoverable wraps err so that the coordinator sets the module's error state
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnrecoverable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// IsUnrecoverable reports whether err should put a module into error state
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
