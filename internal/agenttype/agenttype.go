// Package agenttype holds the kernel's closed Agent Type enumeration and
// the default Agent Config each type resolves to: model class, output
// token ceiling, per-invocation timeout, retry policy, and whether the
// type requires an approval gate before it may run.
package agenttype

import (
	"strings"
	"time"
)

// Type is the closed set of named agent roles.
type Type string

const (
	BusinessAnalyst     Type = "business-analyst"
	CodeReviewer        Type = "code-reviewer"
	TestRunner          Type = "test-runner"
	TechnicalArchitect  Type = "technical-architect"
	DevelopmentPlanner  Type = "development-planner"
	SOPEnforcer         Type = "sop-enforcer"
	GeneralPurpose      Type = "general-purpose"
)

// ModelClass is one of the three fixed cost/capability tiers.
type ModelClass string

const (
	ModelOpus   ModelClass = "opus"
	ModelSonnet ModelClass = "sonnet"
	ModelHaiku  ModelClass = "haiku"
)

// modelIDs are the three fixed full identifiers the CLI's --model flag
// expects; ModelClass never reaches the process boundary directly.
var modelIDs = map[ModelClass]string{
	ModelOpus:   "claude-3-opus-20240229",
	ModelSonnet: "claude-3-5-sonnet-20241022",
	ModelHaiku:  "claude-3-haiku-20240307",
}

// ResolveModelID returns the full model identifier for class.
func ResolveModelID(class ModelClass) string {
	return modelIDs[class]
}

// RetryPolicy holds a type's retry settings. The spawner does not read
// it: a spawn that fails is reported as failed and is not retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Config is the resolved, effective configuration for a spawn: the
// type's defaults merged with any caller overrides.
type Config struct {
	Type              Type
	Model             ModelClass
	MaxOutputTokens   int
	Timeout           time.Duration
	Retry             RetryPolicy
	RequiresApproval  bool
}

// defaults holds one Config per Type, keyed by the type's zero-override
// shape; Resolve merges caller overrides on top of a copy of this.
var defaults = map[Type]Config{
	BusinessAnalyst: {
		Type: BusinessAnalyst, Model: ModelSonnet, MaxOutputTokens: 4096,
		Timeout: 10 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1},
	},
	CodeReviewer: {
		Type: CodeReviewer, Model: ModelSonnet, MaxOutputTokens: 8192,
		Timeout: 15 * time.Minute, Retry: RetryPolicy{MaxAttempts: 2, Backoff: 5 * time.Second},
	},
	TestRunner: {
		Type: TestRunner, Model: ModelHaiku, MaxOutputTokens: 4096,
		Timeout: 20 * time.Minute, Retry: RetryPolicy{MaxAttempts: 2, Backoff: 5 * time.Second},
	},
	TechnicalArchitect: {
		Type: TechnicalArchitect, Model: ModelOpus, MaxOutputTokens: 8192,
		Timeout: 20 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1}, RequiresApproval: true,
	},
	DevelopmentPlanner: {
		Type: DevelopmentPlanner, Model: ModelSonnet, MaxOutputTokens: 8192,
		Timeout: 15 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1},
	},
	SOPEnforcer: {
		Type: SOPEnforcer, Model: ModelSonnet, MaxOutputTokens: 4096,
		Timeout: 10 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1}, RequiresApproval: true,
	},
	GeneralPurpose: {
		Type: GeneralPurpose, Model: ModelSonnet, MaxOutputTokens: 4096,
		Timeout: 15 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1},
	},
}

// Default returns the built-in default Config for t, falling back to
// GeneralPurpose for an unknown type.
func Default(t Type) Config {
	if c, ok := defaults[t]; ok {
		return c
	}
	return defaults[GeneralPurpose]
}

// Override carries the subset of Config fields a caller may replace at
// spawn time; nil fields keep the type's default.
type Override struct {
	Model           *ModelClass
	MaxOutputTokens *int
	Timeout         *time.Duration
}

// Resolve merges a caller override on top of t's default config.
func Resolve(t Type, override *Override) Config {
	cfg := Default(t)
	if override == nil {
		return cfg
	}
	if override.Model != nil {
		cfg.Model = *override.Model
	}
	if override.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = *override.MaxOutputTokens
	}
	if override.Timeout != nil {
		cfg.Timeout = *override.Timeout
	}
	return cfg
}

// inferenceTable is the ordered, case-insensitive keyword ladder used to
// infer a Type when the caller doesn't specify one; first hit wins.
var inferenceTable = []struct {
	keywords []string
	typ      Type
}{
	{[]string{"requirement", "user story", "analyze requirements"}, BusinessAnalyst},
	{[]string{"review", "code quality"}, CodeReviewer},
	{[]string{"test", "coverage"}, TestRunner},
	{[]string{"architecture", "design"}, TechnicalArchitect},
	{[]string{"plan", "roadmap"}, DevelopmentPlanner},
	{[]string{"sop", "compliance"}, SOPEnforcer},
}

// Infer scans description+prompt (case-insensitive substring match)
// against the ordered keyword ladder and returns the first matching
// Type, or GeneralPurpose if nothing matches.
func Infer(description, prompt string) Type {
	haystack := strings.ToLower(description + " " + prompt)
	for _, entry := range inferenceTable {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.typ
			}
		}
	}
	return GeneralPurpose
}

// Appendix returns the type-specialised manifest appendix text appended
// after the SOP reminders block; empty for types with nothing extra to
// say.
func Appendix(t Type) string {
	switch t {
	case CodeReviewer:
		return "Flag any security or correctness issue as a blocking comment before approving."
	case TestRunner:
		return "Report coverage delta and any flaky test observed, even if out of scope for this task."
	case TechnicalArchitect:
		return "State explicit tradeoffs considered and why the chosen approach was preferred."
	case SOPEnforcer:
		return "Cite the specific SOP section violated for every finding; do not invent policy."
	default:
		return ""
	}
}
