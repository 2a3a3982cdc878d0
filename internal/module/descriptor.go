package module

import (
	"regexp"
	"time"

	"github.com/aegisflux/scanengine/internal/model"
)

// DedupeOn selects which part of a finding a module's seen-set is keyed on
type DedupeOn string

const (
	// DedupeData keys on the finding payload
	DedupeData DedupeOn = "data"
	// DedupeSource keys on the finding's actual source, for modules that
	// look at where data came from rather than what it is.
	DedupeSource DedupeOn = "source"
)

// Flags are capability flags consumed by the coordinator
type Flags struct {
	RequiresAPIKey       bool `yaml:"requires_api_key" json:"requires_api_key"`
	HardFailOnMissingKey bool `yaml:"hard_fail_on_missing_key" json:"hard_fail_on_missing_key"`
	// TargetScoped modules only receive findings whose actual source is in
	// scope for the scan target.
	TargetScoped bool `yaml:"target_scoped" json:"target_scoped"`
}

// Descriptor is the static declaration of a module
type Descriptor struct {
	Name           string              `yaml:"name" json:"name"`
	Summary        string              `yaml:"summary" json:"summary,omitempty"`
	Categories     []string            `yaml:"categories" json:"categories,omitempty"`
	Watches        []model.FindingType `yaml:"watches" json:"watches"`
	Produces       []model.FindingType `yaml:"produces" json:"produces"`
	Flags          Flags               `yaml:"flags" json:"flags"`
	APIKeyOption   string              `yaml:"api_key_option" json:"api_key_option,omitempty"`
	DefaultOptions Options             `yaml:"options" json:"options,omitempty"`
	OptionsSchema  string              `yaml:"options_schema" json:"options_schema,omitempty"`
	DedupeOn       DedupeOn            `yaml:"dedupe_on" json:"dedupe_on,omitempty"`
	Pacing         time.Duration       `yaml:"pacing" json:"pacing,omitempty"`
	Timeout        time.Duration       `yaml:"timeout" json:"timeout,omitempty"`
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks a descriptor when it is loaded into a registry
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return &ValidationError{Module: d.Name, Field: "name", Message: "module name is required"}
	}
	if !nameRe.MatchString(d.Name) {
		return &ValidationError{Module: d.Name, Field: "name", Message: "must be lower case letters, digits and underscores"}
	}
	if len(d.Watches) == 0 {
		return &ValidationError{Module: d.Name, Field: "watches", Message: "at least one watched type is required"}
	}
	for _, t := range d.Produces {
		if t == model.Wildcard || t == "" {
			return &ValidationError{Module: d.Name, Field: "produces", Message: "produced types must be concrete"}
		}
	}
	switch d.DedupeOn {
	case "", DedupeData, DedupeSource:
	default:
		return &ValidationError{Module: d.Name, Field: "dedupe_on", Message: "must be data or source"}
	}
	if d.Flags.HardFailOnMissingKey && !d.Flags.RequiresAPIKey {
		return &ValidationError{Module: d.Name, Field: "flags", Message: "hard_fail_on_missing_key requires requires_api_key"}
	}
	if d.Pacing < 0 || d.Timeout < 0 {
		return &ValidationError{Module: d.Name, Field: "pacing", Message: "durations must not be negative"}
	}
	if d.OptionsSchema != "" {
		if _, err := compileSchema(d.Name, d.OptionsSchema); err != nil {
			return &ValidationError{Module: d.Name, Field: "options_schema", Message: err.Error()}
		}
	}
	return nil
}

// WatchesType reports whether the module wants findings of type t
func (d *Descriptor) WatchesType(t model.FindingType) bool {
	for _, w := range d.Watches {
		if w == t || w == model.Wildcard {
			return true
		}
	}
	return false
}

// ProducesType reports whether the module declares it emits t
func (d *Descriptor) ProducesType(t model.FindingType) bool {
	for _, p := range d.Produces {
		if p == t {
			return true
		}
	}
	return false
}

// KeyOption returns the option name holding the module's API key
func (d *Descriptor) KeyOption() string {
	if d.APIKeyOption != "" {
		return d.APIKeyOption
	}
	return "api_key"
}

// DedupeKey returns the seen-set key for f
func (d *Descriptor) DedupeKey(f *model.Finding) string {
	if d.DedupeOn == DedupeSource {
		return f.ActualSource
	}
	return f.Data
}

// ValidationError reports a bad descriptor or bad module options
type ValidationError struct {
	Module  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Module == "" {
		return e.Field + ": " + e.Message
	}
	return e.Module + ": " + e.Field + ": " + e.Message
}
