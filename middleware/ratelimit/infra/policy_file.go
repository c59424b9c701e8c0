package infra

import (
	"fmt"
	"os"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"

	"go.yaml.in/yaml/v2"
)

// Exemplo de arquivo:
//
//	policies:
//	  auth:
//	    window: 10m
//	    max_requests: 3
//	  search:
//	    window: 1m
//	    max_requests: 60
type policyFile struct {
	Policies map[string]policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Window      string `yaml:"window"`
	MaxRequests int    `yaml:"max_requests"`
}

// LoadPolicies lê um arquivo YAML e devolve os presets do domínio com as
// sobrescritas aplicadas. Categorias novas são aceitas.
func LoadPolicies(path string) (map[string]domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

func ParsePolicies(data []byte) (map[string]domain.Config, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	out := domain.Presets()
	for name, p := range pf.Policies {
		window, err := time.ParseDuration(p.Window)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: window %q: %v", domain.ErrInvalidConfig, name, p.Window, err)
		}
		cfg := domain.Config{Name: name, Window: window, MaxRequests: p.MaxRequests}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}
