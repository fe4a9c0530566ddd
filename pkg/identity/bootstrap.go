package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a bootstrap file describing agents and the instances allowed to
// report for them.
type Seed struct {
	Agents    []AgentSeed    `yaml:"agents"`
	Instances []InstanceSeed `yaml:"instances"`
}

// AgentSeed lists the public keys of an agent's lineage, oldest first.
type AgentSeed struct {
	ID   string   `yaml:"id"`
	Keys []string `yaml:"keys"`
}

// InstanceSeed registers one instance.
type InstanceSeed struct {
	ID        string `yaml:"id"`
	AgentID   string `yaml:"agent_id"`
	PublicKey string `yaml:"public_key"`
	Endpoint  string `yaml:"endpoint,omitempty"`
}

// LoadSeed reads a YAML bootstrap file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, a := range seed.Agents {
		if a.ID == "" || len(a.Keys) == 0 {
			return nil, fmt.Errorf("seed agent %q needs an id and at least one key", a.ID)
		}
	}
	for _, in := range seed.Instances {
		if in.ID == "" || in.AgentID == "" || in.PublicKey == "" {
			return nil, fmt.Errorf("seed instance %q needs id, agent_id and public_key", in.ID)
		}
	}
	return &seed, nil
}

// Apply registers the seed's agents in the lineage. Agents already present
// are extended with any keys beyond their current history.
func (s *Seed) Apply(l *Lineage) error {
	for _, a := range s.Agents {
		history := l.History(a.ID)
		for i, key := range a.Keys {
			if i < len(history) {
				if history[i].PublicKey != key {
					return fmt.Errorf("seed agent %s: key %d differs from registered lineage", a.ID, i+1)
				}
				continue
			}
			var err error
			if i == 0 {
				_, err = l.Register(a.ID, key)
			} else {
				_, err = l.Supersede(a.ID, key)
			}
			if err != nil {
				return fmt.Errorf("seed agent %s: %w", a.ID, err)
			}
		}
	}
	return nil
}
