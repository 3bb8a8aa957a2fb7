// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects the sanitization posture.
type Mode string

const (
	// ModeDevelopment disables masking entirely so local debugging sees raw values.
	ModeDevelopment Mode = "development"

	// ModeProduction enables the full rule sweep.
	ModeProduction Mode = "production"
)

// Rule masks one class of sensitive substrings. A rule is either a compiled
// regular expression or a case-insensitive literal; literals are compiled to a
// case-insensitive regexp at construction so application is uniform.
type Rule struct {
	// Name uniquely identifies the rule within a policy.
	Name string

	// Pattern is the compiled expression. Always non-nil for a valid rule.
	Pattern *regexp.Regexp

	// Replacement substitutes every match.
	Replacement string

	// Enabled rules are applied; disabled rules are skipped but preserved.
	Enabled bool

	// Description is optional operator-facing documentation.
	Description string

	// Literal marks rules that were declared as a plain substring.
	Literal bool
}

// NewRegexRule builds a regexp-backed rule. The expression is compiled with
// Go's RE2 semantics; ReplaceAllString gives the global-match sweep.
func NewRegexRule(name, expr, replacement string) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement, Enabled: true}, nil
}

// NewLiteralRule builds a case-insensitive literal substring rule.
func NewLiteralRule(name, literal, replacement string) Rule {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(literal))
	return Rule{Name: name, Pattern: re, Replacement: replacement, Enabled: true, Literal: true}
}

// Policy is the full masking configuration. Policies are treated as immutable
// once installed in a Sanitizer: mutators clone the policy and swap the whole
// value atomically, so in-flight traversals observe a consistent snapshot.
type Policy struct {
	Mode       Mode
	Enabled    bool
	StrictMode bool

	// BuiltinRules apply first, in order.
	BuiltinRules []Rule

	// CustomRules apply after the builtins, in order.
	CustomRules []Rule

	// SensitiveFields are lowercased substrings; a key whose lowercased name
	// contains any of them is masked at the field level regardless of value.
	SensitiveFields []string

	// MaxDepth bounds traversal. Visits below it yield MarkerMaxDepth.
	MaxDepth int
}

// DefaultMaxDepth bounds recursive traversal unless overridden.
const DefaultMaxDepth = 50

// Marker strings substituted for values the traversal cannot or will not render.
const (
	MarkerCircular    = "[CIRCULAR]"
	MarkerMaxDepth    = "[MAX_DEPTH_EXCEEDED]"
	MarkerFieldError  = "[Error accessing property]"
	MarkerBinary      = "[Binary Data]"
	MarkerFunction    = "[Function]"
	MarkerChannel     = "[Channel]"
	MarkerMaskedOther = "***[MASKED]***"
)

// Builtin rule names.
const (
	RuleEmail       = "email"
	RuleCreditCard  = "creditCard"
	RuleSSN         = "ssn"
	RulePhone       = "phone"
	RulePassword    = "password"
	RuleAPIKey      = "apiKey"
	RuleJWT         = "jwt"
	RuleNationalID  = "nationalId"
	RuleBankAccount = "bankAccount"
	RuleIPv4        = "ipv4"
)

// defaultSensitiveFields mark a field as entirely maskable by name alone.
var defaultSensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"credential",
	"private_key",
	"passphrase",
	"ssn",
	"credit_card",
	"creditcard",
	"card_number",
	"cvv",
	"pin",
}

// builtinRules returns the default rule set in application order.
//
// Ordering note: the fixed-format numeric rules (card, ssn) run before the
// free-form phone rule so that formatted values get their canonical masks;
// bare digit runs of 10+ digits are claimed by the phone rule, and the
// national-id and bank-account rules pick up what remains. Replacements
// contain no digits and no 32+ alphanumeric runs, so no rule output matches
// a later rule (verified by VerifyPolicy at construction).
func builtinRules() []Rule {
	mustRegex := func(name, expr, replacement, desc string) Rule {
		r, err := NewRegexRule(name, expr, replacement)
		if err != nil {
			panic(err)
		}
		r.Description = desc
		return r
	}

	rules := []Rule{
		mustRegex(RuleEmail,
			`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			`***@***.***`,
			"email addresses"),
		mustRegex(RuleCreditCard,
			`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`,
			`****-****-****-****`,
			"16-digit payment card numbers"),
		mustRegex(RuleSSN,
			`\b\d{3}-\d{2}-\d{4}\b`,
			`***-**-****`,
			"US social security numbers"),
		mustRegex(RulePhone,
			`\+?\d(?:[\s().-]{0,2}\d){9,}`,
			`***-***-****`,
			"phone numbers with 10 or more digits"),
		NewLiteralRule(RulePassword, "password", `********`),
		mustRegex(RuleAPIKey,
			`\b[A-Za-z0-9_-]{32,}\b`,
			`***API_KEY***`,
			"API-key-like opaque tokens"),
		mustRegex(RuleJWT,
			`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`,
			`***JWT***`,
			"three-segment base64url JWTs"),
		mustRegex(RuleNationalID,
			`\b\d{9,12}\b`,
			`***ID***`,
			"national identity numbers (9-12 digits)"),
		mustRegex(RuleBankAccount,
			`\b\d{10,20}\b`,
			`***ACCOUNT***`,
			"bank account numbers (10-20 digits)"),
	}

	// IPv4 masking exists but ships disabled: the access tracker needs real
	// IPs in logs and stats, so masking them is a caller policy decision.
	ipv4 := mustRegex(RuleIPv4,
		`\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		`***.***.***.***`,
		"IPv4 addresses")
	ipv4.Enabled = false
	rules = append(rules, ipv4)

	return rules
}

// NewPolicy constructs a policy with defaults for the given mode.
// Production policies are enabled; development policies are constructed
// enabled too, but the mode gate makes sanitization the identity.
func NewPolicy(mode Mode) *Policy {
	p := &Policy{
		Mode:            mode,
		Enabled:         true,
		StrictMode:      false,
		BuiltinRules:    builtinRules(),
		CustomRules:     nil,
		SensitiveFields: append([]string(nil), defaultSensitiveFields...),
		MaxDepth:        DefaultMaxDepth,
	}
	if err := VerifyPolicy(p); err != nil {
		// The default rule set is verified by tests; a conflict here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return p
}

// Rules returns builtins followed by custom rules, in application order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.BuiltinRules)+len(p.CustomRules))
	out = append(out, p.BuiltinRules...)
	out = append(out, p.CustomRules...)
	return out
}

// Clone returns a deep-enough copy for copy-on-write mutation: rule slices
// and the sensitive-field slice are copied, compiled patterns are shared
// (a *regexp.Regexp is safe for concurrent use).
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.BuiltinRules = append([]Rule(nil), p.BuiltinRules...)
	cp.CustomRules = append([]Rule(nil), p.CustomRules...)
	cp.SensitiveFields = append([]string(nil), p.SensitiveFields...)
	return &cp
}

// active reports whether sanitization transforms values at all.
func (p *Policy) active() bool {
	return p.Enabled && p.Mode != ModeDevelopment
}

// isSensitiveField reports whether a key name marks its value as maskable.
func (p *Policy) isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range p.SensitiveFields {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// VerifyPolicy lints a policy: rule names must be unique, and no enabled
// rule's replacement may itself match any enabled rule's pattern. The second
// check is what guarantees sanitization idempotence - a rule output that
// re-matched a later rule would keep mutating on every pass.
func VerifyPolicy(p *Policy) error {
	seen := make(map[string]struct{})
	all := p.Rules()

	for _, r := range all {
		if r.Name == "" {
			return fmt.Errorf("sanitize: rule with empty name")
		}
		if r.Pattern == nil {
			return fmt.Errorf("sanitize: rule %q has no compiled pattern", r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("sanitize: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}

	for _, producer := range all {
		if !producer.Enabled {
			continue
		}
		for _, consumer := range all {
			if !consumer.Enabled {
				continue
			}
			if consumer.Pattern.MatchString(producer.Replacement) {
				return fmt.Errorf("sanitize: replacement of rule %q matches rule %q; conflicting defaults",
					producer.Name, consumer.Name)
			}
		}
	}

	return nil
}
