package approval

import (
	"path"
	"sort"
	"time"
)

// Policy selects level, required-count, timeout, notification channels,
// reminder schedule, escalation recipients, and emergency-bypass rules
// based on (type, risk, resource pattern, requester role).
type Policy struct {
	Name                string        `yaml:"name"`
	Priority            int           `yaml:"priority"` // higher wins ties
	CreatedAt           time.Time     `yaml:"-"`
	Types               []RequestType `yaml:"types"`
	RiskLevels          []Risk        `yaml:"risk_levels"`
	ResourcePatterns    []string      `yaml:"resource_patterns"` // path.Match globs
	UserRoles           []string      `yaml:"user_roles"`
	Level               Level         `yaml:"level"`
	RequiredCount       int           `yaml:"required_count"`
	TimeoutMinutes      int           `yaml:"timeout_minutes"`
	NotificationChannels []string     `yaml:"notification_channels"`
	ReminderIntervals   []int         `yaml:"reminder_intervals"` // minutes from submission
	EscalationNotify    bool          `yaml:"escalation_notify"`
	EscalationRecipients []string     `yaml:"escalation_recipients"`
	AllowBypass         bool          `yaml:"allow_bypass"`
	BypassRoles         []string      `yaml:"bypass_roles"`
	AllowSelfApproval   bool          `yaml:"allow_self_approval"`
}

func (p *Policy) matchesType(t RequestType) bool {
	for _, pt := range p.Types {
		if pt == t {
			return true
		}
	}
	return false
}

func (p *Policy) matchesRisk(r Risk) bool {
	for _, pr := range p.RiskLevels {
		if pr == r {
			return true
		}
	}
	return false
}

func (p *Policy) matchesResource(resource string) bool {
	if len(p.ResourcePatterns) == 0 {
		return true
	}
	for _, pat := range p.ResourcePatterns {
		if ok, _ := path.Match(pat, resource); ok {
			return true
		}
	}
	return false
}

func (p *Policy) matchesRole(role string) bool {
	if len(p.UserRoles) == 0 {
		return true
	}
	for _, ur := range p.UserRoles {
		if ur == role {
			return true
		}
	}
	return false
}

// PolicyStore holds the active policy set and resolves the matching
// policy for a request.
type PolicyStore struct {
	policies []*Policy
}

// NewPolicyStore builds a store from a fixed policy set, typically loaded
// from YAML at startup.
func NewPolicyStore(policies []*Policy) *PolicyStore {
	return &PolicyStore{policies: policies}
}

// ByName returns the policy with the given name, or ErrNoPolicy if none
// of the active policies match (e.g. it was removed from the set since
// the request was submitted).
func (s *PolicyStore) ByName(name string) (*Policy, error) {
	for _, p := range s.policies {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNoPolicy
}

// ErrNoPolicy is returned by Resolve when no active policy matches.
var ErrNoPolicy = policyNotFoundError{}

type policyNotFoundError struct{}

func (policyNotFoundError) Error() string { return "approval: no policy matches request" }

// Resolve matches the highest-priority active policy whose types include
// reqType, whose risk-levels include risk, whose resource-patterns glob-
// match resource, and whose user-roles include role. Ties are broken by
// policy priority (higher first), then creation time (older first).
func (s *PolicyStore) Resolve(reqType RequestType, risk Risk, resource, role string) (*Policy, error) {
	var candidates []*Policy
	for _, p := range s.policies {
		if p.matchesType(reqType) && p.matchesRisk(risk) && p.matchesResource(resource) && p.matchesRole(role) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPolicy
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}
