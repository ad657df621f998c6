package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/conductor/internal/domain"
)

// Manifest is the YAML document that overrides capability descriptors.
//
//	capabilities:
//	  - name: manage_dm_scheduler
//	    domain: scheduler
//	    description: Schedule a direct-message reminder.
//	    schema:
//	      type: object
type Manifest struct {
	Capabilities []ManifestEntry `yaml:"capabilities"`
}

// ManifestEntry is one descriptor override.
type ManifestEntry struct {
	Name        string         `yaml:"name"`
	Domain      string         `yaml:"domain"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) ([]domain.CapabilityDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest converts manifest YAML into descriptors.
func ParseManifest(data []byte) ([]domain.CapabilityDescriptor, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	out := make([]domain.CapabilityDescriptor, 0, len(m.Capabilities))
	seen := make(map[string]bool, len(m.Capabilities))
	for i, e := range m.Capabilities {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest entry %d: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("manifest entry %d: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true

		d := domain.CapabilityDescriptor{Name: e.Name, Domain: e.Domain, Description: e.Description}
		if len(e.Schema) > 0 {
			raw, err := json.Marshal(e.Schema)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %q: encode schema: %w", e.Name, err)
			}
			d.Schema = raw
		}
		out = append(out, d)
	}
	return out, nil
}
