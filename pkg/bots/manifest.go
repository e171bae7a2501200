package bots

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest declares the bot fleet loaded at startup.
//
// Example:
//
//	bots:
//	  - id: momentum-1
//	    name: Momentum BTC
//	    strategy: MomentumStrategy
type Manifest struct {
	Bots []ManifestEntry `yaml:"bots"`
}

// ManifestEntry describes one bot in the fleet manifest.
type ManifestEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Strategy string `yaml:"strategy"`
}

// LoadManifest reads and validates a YAML fleet manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fleet manifest not found: %s", path)
		}
		return nil, fmt.Errorf("read fleet manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse fleet manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Bots))
	for i, entry := range m.Bots {
		if strings.TrimSpace(entry.ID) == "" {
			return nil, fmt.Errorf("fleet manifest: bot %d: id is required", i)
		}
		if strings.TrimSpace(entry.Strategy) == "" {
			return nil, fmt.Errorf("fleet manifest: bot %q: strategy is required", entry.ID)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("fleet manifest: duplicate bot id %q", entry.ID)
		}
		seen[entry.ID] = true
	}
	return &m, nil
}

// Seed registers every manifest entry as a created bot. Existing entries
// with the same id are replaced.
func (m *Manifest) Seed(r *Registry) {
	for _, entry := range m.Bots {
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		r.Save(Bot{
			ID:       entry.ID,
			Name:     name,
			Strategy: entry.Strategy,
			Status:   StatusCreated,
		})
	}
}
