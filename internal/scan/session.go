package scan

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegisflux/scanengine/internal/bus"
	"github.com/aegisflux/scanengine/internal/dedupe"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/registry"
	"github.com/aegisflux/scanengine/internal/scope"
)

// Status is the lifecycle state of a scan
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusAborting Status = "ABORTING"
	StatusFinished Status = "FINISHED"
	StatusAborted  Status = "ABORTED"
	// StatusFailed is only reached when the engine itself breaks, e.g. the
	// seed finding cannot be published.
	StatusFailed Status = "ERROR-FAILED"
)

// Terminal reports whether the scan has ended
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted || s == StatusFailed
}

// ModuleState is the per-module view of a scan
type ModuleState string

const (
	ModuleRunning ModuleState = "running"
	ModuleErrored ModuleState = "errored"
	ModuleIdle    ModuleState = "idle"
	ModuleStopped ModuleState = "stopped"
)

// ModuleStatus is reported per module in a snapshot
type ModuleStatus struct {
	Name         string      `json:"name"`
	State        ModuleState `json:"state"`
	Reason       string      `json:"reason,omitempty"`
	Handled      uint64      `json:"handled"`
	Deduplicated uint64      `json:"deduplicated"`
	ScopeSkipped uint64      `json:"scope_skipped"`
	Emitted      uint64      `json:"emitted"`
	Rejected     uint64      `json:"rejected"`
}

// Snapshot is a point-in-time copy of a session, safe to serialize
type Snapshot struct {
	ID               string              `json:"id"`
	Target           model.Target        `json:"target"`
	Status           Status              `json:"status"`
	Error            string              `json:"error,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	EndedAt          *time.Time          `json:"ended_at,omitempty"`
	Modules          []ModuleStatus      `json:"modules"`
	Excluded         map[string]string   `json:"excluded,omitempty"`
	ConfigErrors     []string            `json:"config_errors,omitempty"`
	UnsatisfiedGoals []model.FindingType `json:"unsatisfied_goals,omitempty"`
	Bus              bus.Stats           `json:"bus"`
}

type worker struct {
	name string
	desc module.Descriptor
	mod  module.Module

	mu     sync.Mutex
	state  ModuleState
	reason string

	handled      atomic.Uint64
	deduplicated atomic.Uint64
	scopeSkipped atomic.Uint64
	emitted      atomic.Uint64
	rejected     atomic.Uint64
}

func (w *worker) status() ModuleStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ModuleStatus{
		Name:         w.name,
		State:        w.state,
		Reason:       w.reason,
		Handled:      w.handled.Load(),
		Deduplicated: w.deduplicated.Load(),
		ScopeSkipped: w.scopeSkipped.Load(),
		Emitted:      w.emitted.Load(),
		Rejected:     w.rejected.Load(),
	}
}

// fail moves the worker into error state and reports whether it was the
// first failure.
func (w *worker) fail(reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == ModuleErrored {
		return false
	}
	w.state = ModuleErrored
	w.reason = reason
	return true
}

func (w *worker) errored() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == ModuleErrored
}

func (w *worker) settle(state ModuleState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != ModuleErrored {
		w.state = state
	}
}

// Session is one running scan. Only the coordinator changes its state.
type Session struct {
	ID     string
	Target model.Target

	bus       *bus.Bus
	seen      *dedupe.Table
	matcher   *scope.Matcher
	selection registry.Selection
	workers   map[string]*worker
	names     []string
	published *sequencer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	status    Status
	err       string
	startedAt time.Time
	endedAt   time.Time
}

// Status returns the scan status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Done is closed when the scan has ended and every handler has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the scan ends or ctx is done
func (s *Session) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// Abort asks the scan to stop. Queued deliveries are discarded, handlers in
// flight are allowed to finish.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		if !s.status.Terminal() {
			s.status = StatusAborting
		}
		s.mu.Unlock()
		close(s.abort)
	})
}

// HasSeen reports whether moduleName was already handed a finding with key
// as its data (or actual source, for modules deduplicating on source).
func (s *Session) HasSeen(moduleName, key string) bool {
	return s.seen.HasSeen(moduleName, key)
}

// Findings returns every finding published in the scan, in publish order
func (s *Session) Findings() []*model.Finding {
	return s.bus.Findings()
}

// Selection returns how the module set was resolved
func (s *Session) Selection() registry.Selection {
	return s.selection
}

// ModuleStatus returns the status of one module
func (s *Session) ModuleStatus(name string) (ModuleStatus, bool) {
	w, ok := s.workers[name]
	if !ok {
		return ModuleStatus{}, false
	}
	return w.status(), true
}

// Snapshot returns a serializable copy of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:               s.ID,
		Target:           s.Target,
		Status:           s.status,
		Error:            s.err,
		StartedAt:        s.startedAt,
		Excluded:         s.selection.Excluded,
		UnsatisfiedGoals: s.selection.UnsatisfiedGoals,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	s.mu.Unlock()

	for _, err := range s.selection.ConfigErrors {
		snap.ConfigErrors = append(snap.ConfigErrors, err.Error())
	}
	for _, name := range s.names {
		snap.Modules = append(snap.Modules, s.workers[name].status())
	}
	sort.Slice(snap.Modules, func(i, j int) bool { return snap.Modules[i].Name < snap.Modules[j].Name })
	snap.Bus = s.bus.Stats()
	return snap
}
