package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Override customizes how one adapter invokes its CLI: an alternative binary
// path, extra arguments appended to every invocation, and environment
// variables injected into the subprocess.
type Override struct {
	Binary string            `yaml:"binary"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
}

// Overrides maps agent kinds to invocation customizations, loaded from an
// optional agents.yaml:
//
//	claude:
//	  binary: /opt/claude/bin/claude
//	  env:
//	    ANTHROPIC_BASE_URL: http://proxy.internal:8080
type Overrides map[Kind]Override

// LoadOverrides reads the overrides file. An empty path or a missing file
// yields an empty set; a malformed file or an unknown agent name is an error.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return nil, fmt.Errorf("read agent overrides: %w", err)
	}
	var raw map[string]Override
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse agent overrides: %w", err)
	}
	out := make(Overrides, len(raw))
	for name, ov := range raw {
		kind, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("agent overrides: %w", err)
		}
		out[kind] = ov
	}
	return out, nil
}

// For returns the override for a kind, zero when unset.
func (o Overrides) For(kind Kind) Override {
	return o[kind]
}
