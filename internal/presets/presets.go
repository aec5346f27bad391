// Package presets holds the default endpoint and model choices offered for
// each provider. The catalog is embedded YAML and read-only after load.
package presets

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"chat-relay/internal/domain"
)

//go:embed presets.yaml
var embeddedYAML []byte

// Preset describes how the configuration form offers one provider.
type Preset struct {
	Provider domain.Provider `yaml:"provider" json:"provider"`
	Label    string          `yaml:"label" json:"label"`
	Endpoint string          `yaml:"endpoint" json:"endpoint,omitempty"`
	Models   []string        `yaml:"models" json:"models"`
}

// DefaultModel is the first listed model, or "" when none are listed.
func (p Preset) DefaultModel() string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[0]
}

type file struct {
	Providers []Preset `yaml:"providers"`
}

// Catalog is an ordered, validated set of presets.
type Catalog struct {
	presets []Preset
	index   map[domain.Provider]int
}

// Load parses the embedded presets.
func Load() (*Catalog, error) {
	return Parse(embeddedYAML)
}

// Parse builds a Catalog from YAML. Unknown or duplicate providers are rejected.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("presets: unmarshal: %w", err)
	}
	c := &Catalog{index: make(map[domain.Provider]int, len(f.Providers))}
	for _, p := range f.Providers {
		provider, ok := domain.ParseProvider(string(p.Provider))
		if !ok {
			return nil, fmt.Errorf("presets: unknown provider %q", p.Provider)
		}
		if _, dup := c.index[provider]; dup {
			return nil, fmt.Errorf("presets: duplicate provider %q", provider)
		}
		p.Provider = provider
		if p.Models == nil {
			p.Models = []string{}
		}
		c.index[provider] = len(c.presets)
		c.presets = append(c.presets, p)
	}
	return c, nil
}

// All returns a copy of every preset in file order.
func (c *Catalog) All() []Preset {
	out := make([]Preset, len(c.presets))
	for i, p := range c.presets {
		p.Models = append([]string{}, p.Models...)
		out[i] = p
	}
	return out
}

func (c *Catalog) Lookup(p domain.Provider) (Preset, bool) {
	i, ok := c.index[p]
	if !ok {
		return Preset{}, false
	}
	return c.presets[i], true
}

// ApplyDefaults fills an empty endpoint or model from the provider's preset.
func (c *Catalog) ApplyDefaults(cfg domain.ProviderConfig) domain.ProviderConfig {
	p, ok := c.Lookup(cfg.Provider)
	if !ok {
		return cfg
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = p.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = p.DefaultModel()
	}
	return cfg
}
