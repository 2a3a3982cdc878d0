package registry

import (
	"fmt"
	"sort"

	"github.com/aegisflux/scanengine/internal/model"
)

// Exclusion reasons reported in a Selection
const (
	ReasonUnknown       = "unknown module"
	ReasonUnreachable   = "can never receive input from the seed type"
	ReasonNotGoalFeeder = "does not contribute to the requested goals"
)

// SelectRequest narrows the catalog for one scan
type SelectRequest struct {
	SeedType model.FindingType
	// Modules restricts the candidates to these names; empty means all.
	Modules []string
	// Goals are the finding types the caller wants; empty means everything.
	Goals []model.FindingType
}

// Selection is the module set for a scan and what was left out
type Selection struct {
	Modules          []string            `json:"modules"`
	Excluded         map[string]string   `json:"excluded,omitempty"`
	ConfigErrors     []error             `json:"-"`
	UnsatisfiedGoals []model.FindingType `json:"unsatisfied_goals,omitempty"`
}

// Select resolves the modules relevant for a scan. Unknown names and
// unsatisfiable goals are reported in the selection rather than failing it.
func (r *Registry) Select(req SelectRequest) Selection {
	sel := Selection{Excluded: make(map[string]string)}

	var among map[string]bool
	if len(req.Modules) > 0 {
		among = make(map[string]bool, len(req.Modules))
		for _, name := range req.Modules {
			if _, ok := r.entries[name]; !ok {
				sel.Excluded[name] = ReasonUnknown
				sel.ConfigErrors = append(sel.ConfigErrors, fmt.Errorf("%w: %s", ErrUnknownModule, name))
				continue
			}
			among[name] = true
		}
	}

	reachable := r.graph.Reachable(req.SeedType, among)
	for _, name := range r.names {
		if among != nil && !among[name] {
			continue
		}
		if !reachable[name] {
			sel.Excluded[name] = ReasonUnreachable
		}
	}

	chosen := reachable
	if len(req.Goals) > 0 {
		chosen = r.graph.Contributors(req.Goals, reachable)
		for name := range reachable {
			if !chosen[name] {
				sel.Excluded[name] = ReasonNotGoalFeeder
			}
		}
		for _, goal := range req.Goals {
			if goal == req.SeedType {
				continue
			}
			if !r.producedBy(goal, chosen) {
				sel.UnsatisfiedGoals = append(sel.UnsatisfiedGoals, goal)
			}
		}
	}

	for name := range chosen {
		sel.Modules = append(sel.Modules, name)
	}
	sort.Strings(sel.Modules)
	return sel
}

func (r *Registry) producedBy(t model.FindingType, names map[string]bool) bool {
	for name := range names {
		d := r.entries[name].Descriptor
		if d.ProducesType(t) {
			return true
		}
	}
	return false
}
