package approval

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of a policy set: a bare list under a
// top-level policies key so the file can grow other sections later
// without breaking the schema.
type policyFile struct {
	Policies []*Policy `yaml:"policies"`
}

// LoadPolicies reads a policy set from a YAML file and returns a ready
// PolicyStore. CreatedAt is stamped at load time since policy files carry
// no timestamp of their own. Every policy of one file gets the same
// timestamp, so CreatedAt does not break priority ties among them.
func LoadPolicies(path string) (*PolicyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("approval: reading policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("approval: parsing policy file: %w", err)
	}

	now := time.Now()
	for _, p := range pf.Policies {
		if err := validatePolicy(p); err != nil {
			return nil, fmt.Errorf("approval: policy %q: %w", p.Name, err)
		}
		p.CreatedAt = now
	}

	return NewPolicyStore(pf.Policies), nil
}

func validatePolicy(p *Policy) error {
	if p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(p.Types) == 0 {
		return fmt.Errorf("must match at least one request type")
	}
	if len(p.RiskLevels) == 0 {
		return fmt.Errorf("must match at least one risk level")
	}
	if p.Level == "" {
		return fmt.Errorf("missing level")
	}
	if p.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout_minutes must be positive")
	}
	if p.RequiredCount <= 0 {
		return fmt.Errorf("required_count must be positive")
	}
	return nil
}
