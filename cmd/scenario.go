package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sim "github.com/vestsim/vestsim/sim"
)

// LoadScenario reads a YAML scenario file into a simulation config.
// Defaults are applied so a sparse hand-written file behaves like a fully
// populated one; validation stays with the engine.
func LoadScenario(path string) (*sim.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}

	var cfg sim.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
