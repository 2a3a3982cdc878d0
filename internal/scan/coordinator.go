// Package scan owns the lifecycle of scans: it selects and configures the
// modules, runs one worker per module, and decides when a scan is complete.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflux/scanengine/internal/bus"
	"github.com/aegisflux/scanengine/internal/dedupe"
	"github.com/aegisflux/scanengine/internal/fetch"
	"github.com/aegisflux/scanengine/internal/metrics"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/registry"
	"github.com/aegisflux/scanengine/internal/scope"
)

var (
	// ErrInvalidTarget is returned by Start for a malformed target
	ErrInvalidTarget = scope.ErrInvalidTarget
	// ErrConfig is returned by Start for a configuration problem detected
	// before the scan begins
	ErrConfig = errors.New("scan configuration error")
	// ErrTooManyScans is returned when the concurrent scan limit is reached
	ErrTooManyScans = errors.New("too many concurrent scans")
	// ErrNotFound is returned for an unknown scan id
	ErrNotFound = errors.New("scan not found")
)

// Request describes a scan to start
type Request struct {
	Target string `json:"target"`
	// TargetType is detected from the value when empty
	TargetType model.FindingType         `json:"target_type,omitempty"`
	Aliases    []model.TargetAlias       `json:"aliases,omitempty"`
	Modules    []string                  `json:"modules,omitempty"`
	Goals      []model.FindingType       `json:"goals,omitempty"`
	Options    map[string]module.Options `json:"options,omitempty"`
	// IncludeParents widens host scope to the registrable parent domain
	IncludeParents bool `json:"include_parents,omitempty"`
}

// Sink receives the output of every scan
type Sink interface {
	FindingPublished(ctx context.Context, scanID string, f *model.Finding)
	ScanEnded(ctx context.Context, snap Snapshot)
}

// OptionsSource supplies operator-level options per module, applied between
// the descriptor defaults and the per-scan overrides.
type OptionsSource interface {
	ModuleOptions(name string) module.Options
}

// Config tunes the coordinator
type Config struct {
	QueueCapacity  int
	DedupeCapacity int
	ScanTimeout    time.Duration
	MaxScans       int
}

// Coordinator starts scans and tracks the ones running
type Coordinator struct {
	registry *registry.Registry
	catalog  *model.Catalog
	gateway  *fetch.Gateway
	options  OptionsSource
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cfg    Config
	active map[string]*Session
	sinks  []Sink
	// starting counts scans that hold a slot but are not yet in active
	starting int
}

// NewCoordinator creates a coordinator. gateway and m may be nil.
func NewCoordinator(reg *registry.Registry, catalog *model.Catalog, gateway *fetch.Gateway, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		catalog:  catalog,
		gateway:  gateway,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]*Session),
	}
}

// AddSink registers a sink for findings and scan results
func (c *Coordinator) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// SetOptionsSource installs the operator-level module options
func (c *Coordinator) SetOptionsSource(src OptionsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = src
}

// UpdateConfig replaces the tuning used by scans started from now on
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Config returns the current tuning
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Registry returns the module catalog
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Catalog returns the finding-type catalog
func (c *Coordinator) Catalog() *model.Catalog {
	return c.catalog
}

// Get returns a running scan
func (c *Coordinator) Get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[id]
	return s, ok
}

// Active returns the running scans ordered by start time
func (c *Coordinator) Active() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.active))
	for _, s := range c.active {
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

// Abort stops the scan with id
func (c *Coordinator) Abort(id string) error {
	s, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Abort()
	return nil
}

// Shutdown aborts every running scan and waits for them to end
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, s := range c.Active() {
		s.Abort()
	}
	for _, s := range c.Active() {
		if _, err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

type pending struct {
	entry registry.Entry
	opts  module.Options
	// reason is set when the module is in error state before the scan starts
	reason string
}

// Start validates req, configures the selected modules, publishes the seed
// and returns the running session. Configuration problems that make the
// scan meaningless are returned as errors and nothing runs.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Session, error) {
	target, err := resolveTarget(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cfg := c.cfg
	optsSrc := c.options
	sinks := append([]Sink(nil), c.sinks...)
	if cfg.MaxScans > 0 && len(c.active)+c.starting >= cfg.MaxScans {
		c.mu.Unlock()
		return nil, ErrTooManyScans
	}
	c.starting++
	c.mu.Unlock()
	reserved := true
	defer func() {
		if reserved {
			c.mu.Lock()
			c.starting--
			c.mu.Unlock()
		}
	}()

	sel := c.registry.Select(registry.SelectRequest{
		SeedType: target.Type,
		Modules:  req.Modules,
		Goals:    req.Goals,
	})

	plan, err := c.plan(sel, req, optsSrc)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := c.logger.With("scan_id", id)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	scopeOpts := scope.DefaultOptions
	scopeOpts.IncludeParents = req.IncludeParents

	s := &Session{
		ID:        id,
		Target:    target,
		bus:       bus.New(c.catalog, cfg.QueueCapacity, logger),
		seen:      dedupe.NewTable(cfg.DedupeCapacity, logger),
		matcher:   scope.NewMatcher(target, scopeOpts),
		selection: sel,
		workers:   make(map[string]*worker, len(plan)),
		ctx:       runCtx,
		cancel:    cancel,
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusStarting,
		startedAt: time.Now().UTC(),
	}
	s.published = newSequencer(func(f *model.Finding) {
		for _, sink := range sinks {
			sink.FindingPublished(runCtx, id, f)
		}
	})

	for _, err := range sel.ConfigErrors {
		logger.Warn("Module selection problem", "error", err)
	}
	for _, goal := range sel.UnsatisfiedGoals {
		logger.Warn("No selected module can produce goal", "finding_type", goal)
	}

	for _, p := range plan {
		c.setupWorker(s, p, logger)
	}

	c.mu.Lock()
	c.active[id] = s
	c.starting--
	reserved = false
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ScanStarted()
	}

	for _, name := range s.names {
		w := s.workers[name]
		if w.errored() {
			continue
		}
		if err := s.bus.Subscribe(name, w.desc.Watches); err != nil {
			c.failWorker(s, w, fmt.Sprintf("subscribe failed: %v", err), logger.With("module", name))
			continue
		}
		s.wg.Add(1)
		go c.runWorker(s, w, logger.With("module", name))
	}

	s.setStatus(StatusRunning)
	root, err := s.bus.Publish(runCtx, "", model.NewRootFinding(target))
	if err != nil {
		logger.Error("Failed to publish seed finding", "error", err)
		s.mu.Lock()
		s.err = err.Error()
		s.mu.Unlock()
		go c.finish(s, sinks, logger, StatusFailed)
		return s, nil
	}
	c.recordPublished(s, root)

	logger.Info("Scan started",
		"target", target.Value,
		"target_type", target.Type,
		"modules", len(s.names),
		"excluded", len(sel.Excluded))

	go c.run(s, cfg, sinks, logger)
	return s, nil
}

func resolveTarget(req Request) (model.Target, error) {
	t := req.TargetType
	if t == "" {
		detected, ok := scope.DetectType(req.Target)
		if !ok {
			return model.Target{}, fmt.Errorf("%w: cannot detect the type of %q", ErrInvalidTarget, req.Target)
		}
		t = detected
	}
	target := model.NewTarget(req.Target, t)
	for _, a := range req.Aliases {
		target.AddAlias(a.Value, a.Type)
	}
	if err := scope.ValidateTarget(target); err != nil {
		return model.Target{}, err
	}
	return target, nil
}

// plan merges and validates options for every selected module and applies
// the API key checks.
func (c *Coordinator) plan(sel registry.Selection, req Request, src OptionsSource) ([]pending, error) {
	plan := make([]pending, 0, len(sel.Modules))
	for _, name := range sel.Modules {
		entry, _ := c.registry.Get(name)
		d := entry.Descriptor

		opts := d.DefaultOptions.Merge(nil)
		if src != nil {
			opts = opts.Merge(src.ModuleOptions(name))
		}
		opts = opts.Merge(req.Options[name])

		if err := d.ValidateOptions(opts); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}

		p := pending{entry: entry, opts: opts}
		if d.Flags.RequiresAPIKey && opts.String(d.KeyOption()) == "" {
			if d.Flags.HardFailOnMissingKey {
				return nil, fmt.Errorf("%w: %s: %w", ErrConfig, name, module.ErrMissingAPIKey)
			}
			p.reason = module.ErrMissingAPIKey.Error()
		}
		plan = append(plan, p)
	}
	return plan, nil
}

func (c *Coordinator) setupWorker(s *Session, p pending, logger *slog.Logger) {
	d := p.entry.Descriptor
	logger = logger.With("module", d.Name)
	w := &worker{name: d.Name, desc: d, state: ModuleRunning}
	s.workers[d.Name] = w
	s.names = append(s.names, d.Name)

	if p.reason != "" {
		c.failWorker(s, w, p.reason, logger)
		return
	}

	if c.gateway != nil && d.Pacing > 0 {
		c.gateway.Pacer().SetDelay(d.Name, d.Pacing)
	}
	env := module.Env{
		ScanID: s.ID,
		Target: s.Target,
		Scope:  s.matcher,
		Logger: logger,
	}
	if c.gateway != nil {
		env.Net = moduleNet{gateway: c.gateway, source: d.Name}
	}

	w.mod = p.entry.Factory()
	if err := w.mod.Configure(p.opts, env); err != nil {
		c.failWorker(s, w, fmt.Sprintf("configure failed: %v", err), logger)
	}
}

// failWorker puts w into error state: it is unsubscribed and anything still
// queued for it is discarded. Other modules are not affected.
func (c *Coordinator) failWorker(s *Session, w *worker, reason string, logger *slog.Logger) {
	if !w.fail(reason) {
		return
	}
	dropped := s.bus.Unsubscribe(w.name)
	logger.Warn("Module entered error state",
		"reason", reason,
		"discarded", dropped)
	if c.metrics != nil {
		c.metrics.ModuleErrors.WithLabelValues(w.name).Inc()
	}
}

// run waits for quiescence, abort or the scan deadline
func (c *Coordinator) run(s *Session, cfg Config, sinks []Sink, logger *slog.Logger) {
	var deadline <-chan time.Time
	if cfg.ScanTimeout > 0 {
		timer := time.NewTimer(cfg.ScanTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	final := StatusFinished
	select {
	case <-s.bus.Quiet():
	case <-s.abort:
		final = StatusAborted
	case <-deadline:
		logger.Warn("Scan deadline reached, aborting", "timeout", cfg.ScanTimeout)
		s.Abort()
		final = StatusAborted
	}
	c.finish(s, sinks, logger, final)
}

func (c *Coordinator) finish(s *Session, sinks []Sink, logger *slog.Logger, final Status) {
	// Closing discards queued deliveries and releases blocked publishers;
	// handlers already running are waited for.
	s.bus.Close()
	s.wg.Wait()
	s.cancel()

	state := ModuleIdle
	if final != StatusFinished {
		state = ModuleStopped
	}
	for _, w := range s.workers {
		w.settle(state)
	}
	s.seen.Reset()
	if n := s.published.held(); n > 0 {
		logger.Error("Findings never reached the sinks", "held", n)
	}

	s.mu.Lock()
	s.status = final
	s.endedAt = time.Now().UTC()
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.active, s.ID)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ScanEnded(string(final))
	}

	snap := s.Snapshot()
	for _, sink := range sinks {
		sink.ScanEnded(context.Background(), snap)
	}
	logger.Info("Scan ended",
		"status", final,
		"published", snap.Bus.Published,
		"duration", snap.EndedAt.Sub(snap.StartedAt).String())
	close(s.done)
}

func (c *Coordinator) recordPublished(s *Session, f *model.Finding) {
	if c.metrics != nil {
		c.metrics.FindingsPublished.WithLabelValues(string(f.Type)).Inc()
	}
	s.published.add(f)
}

// moduleNet scopes the shared gateway to one module: calls without a source
// are attributed to the module so that its pacing applies.
type moduleNet struct {
	gateway *fetch.Gateway
	source  string
}

func (n moduleNet) Do(ctx context.Context, call fetch.Call) (*fetch.Response, error) {
	if call.Source == "" {
		call.Source = n.source
	}
	return n.gateway.Do(ctx, call)
}
