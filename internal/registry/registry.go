// Package registry tracks cloudknot-owned AWS resources across process runs.
// It is a durable mapping from resource kind to {remote id: name}, flushed to
// disk on every mutation so reads within the process always see the latest
// write.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Section names used by the lifecycle controllers. Role sections are derived
// per trust service, e.g. "batch-roles".
const (
	SectionVpcs           = "vpc"
	SectionSecurityGroups = "security-groups"
	RoleSectionSuffix     = "-roles"
)

// Registry is a handle on the registry file. It is not safe for concurrent
// use; callers own the single-writer discipline.
type Registry struct {
	path     string
	sections map[string]map[string]string
}

type registryFile struct {
	Resources map[string]map[string]string `yaml:"resources"`
}

// Open loads the registry at path. A missing file reads as an empty registry;
// the file is created on the first mutation.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		sections: map[string]map[string]string{},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}
	if f.Resources != nil {
		r.sections = f.Resources
	}
	return r, nil
}

// DefaultPath returns the registry location under the user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".cloudknot", "registry.yaml"), nil
}

// Path returns the file backing this registry.
func (r *Registry) Path() string {
	return r.path
}

// Add records id under section and flushes to disk.
func (r *Registry) Add(section, id, name string) error {
	if r.sections[section] == nil {
		r.sections[section] = map[string]string{}
	}
	r.sections[section][id] = name
	return r.flush()
}

// Remove drops id from section and flushes to disk. Removing an absent entry
// is not an error.
func (r *Registry) Remove(section, id string) error {
	if m := r.sections[section]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.sections, section)
		}
	}
	return r.flush()
}

// Contains reports whether section holds an entry for id.
func (r *Registry) Contains(section, id string) bool {
	_, ok := r.sections[section][id]
	return ok
}

// List returns a copy of the id to name entries in section.
func (r *Registry) List(section string) map[string]string {
	out := make(map[string]string, len(r.sections[section]))
	for id, name := range r.sections[section] {
		out[id] = name
	}
	return out
}

// Sections returns the non-empty section names in sorted order.
func (r *Registry) Sections() []string {
	names := make([]string, 0, len(r.sections))
	for name := range r.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) flush() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	out, err := yaml.Marshal(registryFile{Resources: r.sections})
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	if err := os.WriteFile(r.path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write registry %s: %w", r.path, err)
	}
	return nil
}
