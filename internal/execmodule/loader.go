// Package execmodule runs collector modules as external programs described
// by YAML files.
package execmodule

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/registry"
)

// Spec describes one exec module
type Spec struct {
	module.Descriptor `yaml:",inline"`

	// Command is the program and its arguments
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
	// Disabled specs are skipped by the loader
	Disabled bool `yaml:"disabled"`

	// SourceFile is the file the spec was read from
	SourceFile string `yaml:"-"`
}

// Validate checks the descriptor and the command
func (s *Spec) Validate() error {
	if err := s.Descriptor.Validate(); err != nil {
		return err
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return &module.ValidationError{Module: s.Name, Field: "command", Message: "a command is required"}
	}
	return nil
}

// Loader reads exec module specs from a directory
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader for dir
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Load reads every .yaml/.yml file under the directory. A file may hold
// several documents. Invalid specs are skipped with a warning; when two
// files declare the same name the one loaded last wins.
func (l *Loader) Load() ([]Spec, error) {
	files, err := l.files()
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}

	byName := make(map[string]Spec)
	for _, file := range files {
		specs, err := readSpecs(file)
		if err != nil {
			l.logger.Warn("Failed to load descriptors from file", "file", file, "error", err)
			continue
		}
		for _, spec := range specs {
			if spec.Disabled {
				l.logger.Debug("Skipping disabled module", "module", spec.Name, "file", file)
				continue
			}
			if err := spec.Validate(); err != nil {
				l.logger.Warn("Invalid module descriptor skipped", "module", spec.Name, "file", file, "error", err)
				continue
			}
			if prev, ok := byName[spec.Name]; ok {
				l.logger.Info("Module name conflict resolved by load order",
					"module", spec.Name,
					"new_file", file,
					"old_file", prev.SourceFile)
			}
			byName[spec.Name] = spec
		}
	}

	specs := make([]Spec, 0, len(byName))
	for _, s := range byName {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	l.logger.Info("Module descriptors loaded", "dir", l.dir, "files", len(files), "modules", len(specs))
	return specs, nil
}

// Entries loads the specs and turns them into registry entries
func (l *Loader) Entries() ([]registry.Entry, error) {
	specs, err := l.Load()
	if err != nil {
		return nil, err
	}
	entries := make([]registry.Entry, 0, len(specs))
	for _, s := range specs {
		entries = append(entries, Entry(s, l.logger))
	}
	return entries, nil
}

// Entry builds the registry entry for one spec
func Entry(s Spec, logger *slog.Logger) registry.Entry {
	return registry.Entry{
		Descriptor: s.Descriptor,
		Factory:    func() module.Module { return New(s, logger) },
	}
}

func (l *Loader) files() ([]string, error) {
	if _, err := os.Stat(l.dir); errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Descriptor directory does not exist", "dir", l.dir)
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func readSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var specs []Spec
	for {
		var s Spec
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if s.Name == "" && len(s.Command) == 0 {
			continue
		}
		s.SourceFile = path
		specs = append(specs, s)
	}
	return specs, nil
}
