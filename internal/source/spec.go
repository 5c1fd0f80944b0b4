package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Watcher types.
const (
	TypePoll     = "poll"
	TypeFileDrop = "filedrop"
)

// Spec describes one watcher, loaded from a YAML file in the watcher
// spec directory.
type Spec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // poll | filedrop

	// Poll watchers run Command every Interval; each stdout line is
	// one event.
	Interval time.Duration `yaml:"interval"`
	Command  []string      `yaml:"command"`

	// Filedrop watchers turn files appearing under Path into events,
	// debounced per file.
	Path     string        `yaml:"path"`
	Debounce time.Duration `yaml:"debounce"`

	// Task parameters for events from this source.
	Window           time.Duration `yaml:"window"` // dedup window, 0 = global default
	Priority         string        `yaml:"priority"`
	RequiresApproval bool          `yaml:"requires_approval"`
	MaxAttempts      int           `yaml:"max_attempts"`

	// Action is the argv the executor runs for this source's tasks.
	Action []string `yaml:"action"`
}

// Validate rejects specs the runtime cannot launch.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("watcher spec missing id")
	}
	switch s.Type {
	case TypePoll:
		if len(s.Command) == 0 {
			return fmt.Errorf("watcher %s: poll type requires a command", s.ID)
		}
		if s.Interval <= 0 {
			return fmt.Errorf("watcher %s: poll type requires a positive interval", s.ID)
		}
	case TypeFileDrop:
		if s.Path == "" {
			return fmt.Errorf("watcher %s: filedrop type requires a path", s.ID)
		}
	default:
		return fmt.Errorf("watcher %s: unknown type %q", s.ID, s.Type)
	}
	switch s.Priority {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("watcher %s: unknown priority %q", s.ID, s.Priority)
	}
	if len(s.Action) == 0 {
		return fmt.Errorf("watcher %s: missing action command", s.ID)
	}
	return nil
}

// LoadSpecs reads every *.yaml/*.yml file in dir, one watcher per
// file, sorted by id. Duplicate ids are an error.
func LoadSpecs(dir string) ([]Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read watcher directory %s: %w", dir, err)
	}

	var specs []Spec
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read watcher spec %s: %w", name, err)
		}
		var spec Spec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse watcher spec %s: %w", name, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid watcher spec %s: %w", name, err)
		}
		if prior, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("watcher id %s defined in both %s and %s", spec.ID, prior, name)
		}
		seen[spec.ID] = name
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}
