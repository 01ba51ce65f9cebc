package agenttype

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overrideFile is the on-disk shape of the Agent Type override table: a
// map from type name to the subset of Config fields a deployment wants
// to replace. Timeout is a duration string ("45s") rather than a raw
// time.Duration, which yaml.v3 cannot unmarshal directly.
type overrideFile struct {
	Types map[Type]struct {
		Model           string `yaml:"model"`
		MaxOutputTokens int    `yaml:"max_output_tokens"`
		Timeout         string `yaml:"timeout"`
	} `yaml:"types"`
}

// LoadOverrides reads a per-type override table from a YAML file and
// returns it keyed by Type, ready to pass to Resolve for any spawn of
// that type. A type absent from the file keeps its built-in default.
func LoadOverrides(path string) (map[Type]Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agenttype: reading override file: %w", err)
	}

	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("agenttype: parsing override file: %w", err)
	}

	out := make(map[Type]Override, len(f.Types))
	for t, raw := range f.Types {
		var o Override
		if raw.Model != "" {
			model := ModelClass(raw.Model)
			o.Model = &model
		}
		if raw.MaxOutputTokens != 0 {
			tokens := raw.MaxOutputTokens
			o.MaxOutputTokens = &tokens
		}
		if raw.Timeout != "" {
			d, err := time.ParseDuration(raw.Timeout)
			if err != nil {
				return nil, fmt.Errorf("agenttype: type %q: invalid timeout %q: %w", t, raw.Timeout, err)
			}
			o.Timeout = &d
		}
		out[t] = o
	}
	return out, nil
}
