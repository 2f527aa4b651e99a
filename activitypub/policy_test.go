package activitypub

import (
	"testing"

	"github.com/deemkeen/anancus/util"
)

func TestDomainAllowedDefault(t *testing.T) {
	fed := &util.FederationConfig{}

	if !DomainAllowed(fed, "mastodon.social") {
		t.Error("Expected unknown domain to be allowed with empty lists")
	}
}

func TestDomainAllowedBlocklist(t *testing.T) {
	fed := &util.FederationConfig{
		BlockedDomains: []string{"spam.example"},
	}

	tests := []struct {
		domain  string
		allowed bool
	}{
		{"spam.example", false},
		{"sub.spam.example", false},
		{"SPAM.EXAMPLE", false},
		{"notspam.example", true},
		{"spam.example.org", true},
		{"mastodon.social", true},
	}

	for _, tt := range tests {
		if got := DomainAllowed(fed, tt.domain); got != tt.allowed {
			t.Errorf("DomainAllowed(%q) = %t, want %t", tt.domain, got, tt.allowed)
		}
	}
}

func TestDomainAllowedAllowlist(t *testing.T) {
	fed := &util.FederationConfig{
		AllowedDomains: []string{"friends.example"},
	}

	if !DomainAllowed(fed, "friends.example") {
		t.Error("Expected allow-listed domain to be allowed")
	}
	if !DomainAllowed(fed, "sub.friends.example") {
		t.Error("Expected subdomain of allow-listed domain to be allowed")
	}
	if DomainAllowed(fed, "strangers.example") {
		t.Error("Expected non-listed domain to be denied with a non-empty allow-list")
	}
}

func TestDomainAllowedBlocklistBeatsAllowlist(t *testing.T) {
	fed := &util.FederationConfig{
		AllowedDomains: []string{"example.com"},
		BlockedDomains: []string{"bad.example.com"},
	}

	if DomainAllowed(fed, "bad.example.com") {
		t.Error("Expected block-list to win over allow-list")
	}
	if !DomainAllowed(fed, "good.example.com") {
		t.Error("Expected non-blocked subdomain to remain allowed")
	}
}

func TestEvaluateRulesNoRules(t *testing.T) {
	fed := &util.FederationConfig{}

	result := EvaluateRules(fed, &RuleInput{Content: "hello world"})
	if result.Action != ActionAllow {
		t.Errorf("Expected allow, got %s", result.Action)
	}
}

func TestEvaluateRulesPriorityOrder(t *testing.T) {
	fed := &util.FederationConfig{
		ContentRules: []util.ContentRule{
			{
				Name:     "warn-low",
				Priority: 1,
				Action:   ActionWarn,
				Conditions: []util.RuleCondition{
					{Field: "content", Operator: "contains", Value: "casino"},
				},
			},
			{
				Name:     "reject-high",
				Priority: 10,
				Action:   ActionReject,
				Message:  "spam is not welcome",
				Conditions: []util.RuleCondition{
					{Field: "content", Operator: "contains", Value: "casino"},
				},
			},
		},
	}

	result := EvaluateRules(fed, &RuleInput{Content: "visit my casino"})
	if result.Action != ActionReject {
		t.Errorf("Expected reject from higher-priority rule, got %s", result.Action)
	}
	if result.MatchedRule != "reject-high" {
		t.Errorf("Expected reject-high to match, got %s", result.MatchedRule)
	}
	if result.Message != "spam is not welcome" {
		t.Errorf("Unexpected message: %s", result.Message)
	}
}

func TestEvaluateRulesAllConditionsMustMatch(t *testing.T) {
	fed := &util.FederationConfig{
		ContentRules: []util.ContentRule{
			{
				Name:     "targeted-spam",
				Priority: 5,
				Action:   ActionReject,
				Conditions: []util.RuleCondition{
					{Field: "content", Operator: "contains", Value: "buy now"},
					{Field: "domain", Operator: "equals", Value: "ads.example"},
				},
			},
		},
	}

	result := EvaluateRules(fed, &RuleInput{Content: "buy now!", Domain: "mastodon.social"})
	if result.Action != ActionAllow {
		t.Errorf("Expected allow when only one condition matches, got %s", result.Action)
	}

	result = EvaluateRules(fed, &RuleInput{Content: "buy now!", Domain: "ads.example"})
	if result.Action != ActionReject {
		t.Errorf("Expected reject when all conditions match, got %s", result.Action)
	}
}

func TestEvaluateRulesCaseSensitivity(t *testing.T) {
	fed := &util.FederationConfig{
		ContentRules: []util.ContentRule{
			{
				Name:     "exact-case",
				Priority: 1,
				Action:   ActionSilence,
				Conditions: []util.RuleCondition{
					{Field: "content", Operator: "contains", Value: "ACME", CaseSensitive: true},
				},
			},
		},
	}

	if result := EvaluateRules(fed, &RuleInput{Content: "acme products"}); result.Action != ActionAllow {
		t.Errorf("Expected case-sensitive rule not to match lowercase, got %s", result.Action)
	}
	if result := EvaluateRules(fed, &RuleInput{Content: "ACME products"}); result.Action != ActionSilence {
		t.Errorf("Expected case-sensitive rule to match exact case, got %s", result.Action)
	}
}

func TestEvaluateRulesOperators(t *testing.T) {
	tests := []struct {
		operator string
		value    string
		content  string
		matches  bool
	}{
		{"contains", "spam", "some spam here", true},
		{"contains", "spam", "all good", false},
		{"equals", "exact", "exact", true},
		{"equals", "exact", "not exact", false},
		{"startsWith", "hello", "hello world", true},
		{"startsWith", "hello", "say hello", false},
		{"endsWith", "bye", "good bye", true},
		{"endsWith", "bye", "bye now", false},
		{"matches", `\bcasino\b`, "online casino games", true},
		{"matches", `\bcasino\b`, "casinoville", false},
		{"matches", `[invalid`, "anything", false},
		{"bogus", "x", "x", false},
	}

	for _, tt := range tests {
		fed := &util.FederationConfig{
			ContentRules: []util.ContentRule{
				{
					Name:     "probe",
					Priority: 1,
					Action:   ActionReject,
					Conditions: []util.RuleCondition{
						{Field: "content", Operator: tt.operator, Value: tt.value},
					},
				},
			},
		}

		result := EvaluateRules(fed, &RuleInput{Content: tt.content})
		matched := result.Action == ActionReject
		if matched != tt.matches {
			t.Errorf("operator %s value %q content %q: matched=%t, want %t", tt.operator, tt.value, tt.content, matched, tt.matches)
		}
	}
}

func TestEvaluateRulesEmptyConditionsSkipped(t *testing.T) {
	fed := &util.FederationConfig{
		ContentRules: []util.ContentRule{
			{Name: "no-conditions", Priority: 100, Action: ActionReject},
		},
	}

	result := EvaluateRules(fed, &RuleInput{Content: "anything"})
	if result.Action != ActionAllow {
		t.Errorf("Expected a rule without conditions to be skipped, got %s", result.Action)
	}
}

func TestEvaluateRulesUnknownField(t *testing.T) {
	fed := &util.FederationConfig{
		ContentRules: []util.ContentRule{
			{
				Name:     "unknown-field",
				Priority: 1,
				Action:   ActionReject,
				Conditions: []util.RuleCondition{
					{Field: "mood", Operator: "equals", Value: "grumpy"},
				},
			},
		},
	}

	result := EvaluateRules(fed, &RuleInput{Content: "grumpy"})
	if result.Action != ActionAllow {
		t.Errorf("Expected unknown condition field never to match, got %s", result.Action)
	}
}
