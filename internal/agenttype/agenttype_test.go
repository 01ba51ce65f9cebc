package agenttype

import "testing"

func TestInfer(t *testing.T) {
	cases := []struct {
		name        string
		description string
		prompt      string
		want        Type
	}{
		{"business analyst", "analyze requirements for checkout flow", "", BusinessAnalyst},
		{"code reviewer", "", "please review this PR for code quality", CodeReviewer},
		{"test runner", "improve test coverage", "", TestRunner},
		{"technical architect", "", "propose the system architecture and design", TechnicalArchitect},
		{"development planner", "draft the Q3 roadmap", "", DevelopmentPlanner},
		{"sop enforcer", "", "check SOP compliance for this deploy", SOPEnforcer},
		{"default", "do something vague", "", GeneralPurpose},
		{"first match wins", "review the new user story", "", BusinessAnalyst},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Infer(tc.description, tc.prompt); got != tc.want {
				t.Errorf("Infer(%q, %q) = %s, want %s", tc.description, tc.prompt, got, tc.want)
			}
		})
	}
}

func TestResolveOverride(t *testing.T) {
	base := Default(CodeReviewer)
	if base.Model != ModelSonnet {
		t.Fatalf("default model = %s, want sonnet", base.Model)
	}

	opus := ModelOpus
	resolved := Resolve(CodeReviewer, &Override{Model: &opus})
	if resolved.Model != ModelOpus {
		t.Fatalf("resolved model = %s, want opus", resolved.Model)
	}
	if resolved.MaxOutputTokens != base.MaxOutputTokens {
		t.Fatalf("unset override field should keep default, got %d", resolved.MaxOutputTokens)
	}
}

func TestResolveModelID(t *testing.T) {
	if ResolveModelID(ModelOpus) != "claude-3-opus-20240229" {
		t.Fatalf("unexpected opus model id: %s", ResolveModelID(ModelOpus))
	}
	if ResolveModelID(ModelHaiku) != "claude-3-haiku-20240307" {
		t.Fatalf("unexpected haiku model id: %s", ResolveModelID(ModelHaiku))
	}
}

func TestUnknownTypeFallsBackToGeneralPurpose(t *testing.T) {
	got := Default(Type("nonsense"))
	if got.Type != GeneralPurpose {
		t.Fatalf("Default(unknown) = %s, want general-purpose", got.Type)
	}
}
