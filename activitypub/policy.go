package activitypub

import (
	"regexp"
	"sort"
	"strings"

	"github.com/deemkeen/anancus/util"
)

// Policy actions, in order of increasing severity.
const (
	ActionAllow   = "allow"
	ActionWarn    = "warn"
	ActionReject  = "reject"
	ActionSilence = "silence"
)

// RuleInput is the material a content rule is evaluated against.
type RuleInput struct {
	Content   string
	Actor     string
	Domain    string
	MediaType string
	Language  string
}

// RuleResult is the outcome of a policy evaluation.
type RuleResult struct {
	Action      string
	MatchedRule string
	Message     string
}

// DomainAllowed decides whether a peer domain may federate. A block-list
// match (exact or subdomain) always denies; a non-empty allow-list requires
// a match; otherwise the domain is allowed by default.
func DomainAllowed(fed *util.FederationConfig, domain string) bool {
	domain = strings.ToLower(domain)

	for _, blocked := range fed.BlockedDomains {
		if domainMatches(domain, strings.ToLower(blocked)) {
			return false
		}
	}

	if len(fed.AllowedDomains) > 0 {
		for _, allowed := range fed.AllowedDomains {
			if domainMatches(domain, strings.ToLower(allowed)) {
				return true
			}
		}
		return false
	}

	return true
}

// domainMatches reports whether domain equals entry or is a subdomain of it.
func domainMatches(domain, entry string) bool {
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}

// EvaluateRules runs the configured content rules against the input. Rules
// are evaluated in descending priority order; a rule matches only when all
// of its conditions match; the first matching rule's action wins. No match
// means allow.
func EvaluateRules(fed *util.FederationConfig, input *RuleInput) *RuleResult {
	rules := make([]util.ContentRule, len(fed.ContentRules))
	copy(rules, fed.ContentRules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	for _, rule := range rules {
		if len(rule.Conditions) == 0 {
			continue
		}
		if ruleMatches(&rule, input) {
			return &RuleResult{
				Action:      rule.Action,
				MatchedRule: rule.Name,
				Message:     rule.Message,
			}
		}
	}

	return &RuleResult{Action: ActionAllow}
}

func ruleMatches(rule *util.ContentRule, input *RuleInput) bool {
	for _, cond := range rule.Conditions {
		if !conditionMatches(&cond, input) {
			return false
		}
	}
	return true
}

func conditionMatches(cond *util.RuleCondition, input *RuleInput) bool {
	var subject string
	switch cond.Field {
	case "content":
		subject = input.Content
	case "actor":
		subject = input.Actor
	case "domain":
		subject = input.Domain
	case "mediaType":
		subject = input.MediaType
	case "language":
		subject = input.Language
	default:
		return false
	}

	value := cond.Value
	if !cond.CaseSensitive {
		subject = strings.ToLower(subject)
		value = strings.ToLower(value)
	}

	switch cond.Operator {
	case "contains":
		return strings.Contains(subject, value)
	case "equals":
		return subject == value
	case "startsWith":
		return strings.HasPrefix(subject, value)
	case "endsWith":
		return strings.HasSuffix(subject, value)
	case "matches":
		re, err := regexp.Compile(value)
		if err != nil {
			// An invalid pattern never matches
			return false
		}
		return re.MatchString(subject)
	}

	return false
}
