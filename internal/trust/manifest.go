package trust

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// ManifestEntry declares sandbox support for one component class.
type ManifestEntry struct {
	ClassName    string `yaml:"class_name" json:"class_name"`
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	ForceSandbox bool   `yaml:"force_sandbox" json:"force_sandbox"`
	Notes        string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Manifest is the static list of sandbox-capable components. Read-only after load.
type Manifest struct {
	Entries []ManifestEntry `yaml:"entries" json:"entries"`

	index map[string]*ManifestEntry
}

// DefaultManifest returns the embedded manifest.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded sandbox manifest is invalid: %v", err))
	}
	return m
}

// LoadManifest reads a manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes YAML manifest data and indexes it by class and declared name.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.index = make(map[string]*ManifestEntry, len(m.Entries)*2)
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.ClassName == "" {
			return nil, fmt.Errorf("entry %d: class_name is required", i)
		}
		m.index[e.ClassName] = e
		if e.Name != "" {
			if _, taken := m.index[e.Name]; !taken {
				m.index[e.Name] = e
			}
		}
	}
	return &m, nil
}

// Lookup finds the entry for a component path ("component.Foo") or bare name.
func (m *Manifest) Lookup(path string) (ManifestEntry, bool) {
	if m == nil {
		return ManifestEntry{}, false
	}
	e, ok := m.index[componentName(path)]
	if !ok {
		return ManifestEntry{}, false
	}
	return *e, true
}

// componentName strips the dotted prefix from a component path.
func componentName(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
