package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a pipeline configuration from the given YAML path.
// Parsing is purely structural; template resolution and semantic checks
// happen in Materialize and Validate.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses pipeline YAML from memory.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &f, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads
// the first one found. Search order: ./conveyor.yaml, ~/.conveyor/config.yaml
func LoadDefault() (*File, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// decodeJobDef converts a resolved generic job mapping into a typed JobDef
// by round-tripping through YAML, so custom unmarshallers (needs, extends)
// apply uniformly.
func decodeJobDef(raw map[string]any) (*JobDef, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode job: %w", err)
	}
	var def JobDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &def, nil
}

// applyDefaults merges pipeline-level defaults into a job definition that
// doesn't set its own values.
func applyDefaults(def *JobDef, d Defaults) {
	if def.Retry == nil && d.Retry != nil {
		r := *d.Retry
		def.Retry = &r
	}
	if def.Artifacts != nil && def.Artifacts.ExpireIn == "" && d.Artifacts != nil {
		def.Artifacts.ExpireIn = d.Artifacts.ExpireIn
	}
	if def.Interruptible == nil {
		v := d.Interruptible
		def.Interruptible = &v
	}
	if len(d.Variables) > 0 {
		merged := make(map[string]string, len(d.Variables)+len(def.Variables))
		for k, v := range d.Variables {
			merged[k] = v
		}
		for k, v := range def.Variables {
			merged[k] = v
		}
		def.Variables = merged
	}
}
