// Package validation is the deterministic pre-send gate. Every outbound
// draft passes through Check before it may be dispatched, regardless of what
// produced it. The gate performs no network or generation calls.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Check identifiers carried on failures.
const (
	CheckMonetaryAccuracy       = "monetary_accuracy"
	CheckDeliverableAccuracy    = "deliverable_accuracy"
	CheckUnauthorizedCommitment = "unauthorized_commitment"
	CheckDisallowedContent      = "disallowed_content"
	CheckMinLength              = "min_length"
)

type Failure struct {
	Check    string
	Reason   string
	Severity Severity
}

// Outcome is the gate's verdict. It passes only with zero blocking failures;
// advisory failures never block sending.
type Outcome struct {
	Failures []Failure
}

func (o Outcome) Passed() bool {
	for _, f := range o.Failures {
		if f.Severity == SeverityBlocking {
			return false
		}
	}
	return true
}

// Blocking returns only the blocking failures.
func (o Outcome) Blocking() []Failure {
	out := make([]Failure, 0, len(o.Failures))
	for _, f := range o.Failures {
		if f.Severity == SeverityBlocking {
			out = append(out, f)
		}
	}
	return out
}

type Config struct {
	MinDraftLength     int
	CommitmentDenyList []string
	ForbiddenPhrases   []string
}

func DefaultConfig() Config {
	return Config{
		MinDraftLength: 80,
		CommitmentDenyList: []string{
			"exclusive", "exclusivity", "in perpetuity", "perpetual license",
			"all future", "guarantee", "guaranteed", "usage rights", "whitelisting",
		},
		ForbiddenPhrases: []string{
			"total budget", "remaining budget", "internal target", "our ceiling",
			"maximum we can pay", "as an ai",
		},
	}
}

// Authoritative carries the figures and terms the draft is checked against.
// These always come from the decision engine, never from the composer.
type Authoritative struct {
	Price        decimal.Decimal
	Deliverables []string
}

var currencyPattern = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)

// Check runs every gate check on a draft. Deterministic: the same draft and
// figures always yield the same outcome. All checks run to completion.
func Check(draft string, auth Authoritative, cfg Config) Outcome {
	var out Outcome
	lower := strings.ToLower(draft)

	if len(strings.TrimSpace(draft)) < cfg.MinDraftLength {
		out.Failures = append(out.Failures, Failure{
			Check:    CheckMinLength,
			Reason:   fmt.Sprintf("draft is %d chars, minimum is %d", len(strings.TrimSpace(draft)), cfg.MinDraftLength),
			Severity: SeverityBlocking,
		})
	}

	for _, raw := range currencyPattern.FindAllStringSubmatch(draft, -1) {
		figure, err := decimal.NewFromString(strings.ReplaceAll(raw[1], ",", ""))
		if err != nil {
			out.Failures = append(out.Failures, Failure{
				Check:    CheckMonetaryAccuracy,
				Reason:   fmt.Sprintf("unparseable currency figure %q", raw[0]),
				Severity: SeverityBlocking,
			})
			continue
		}
		if !figure.Equal(auth.Price) {
			out.Failures = append(out.Failures, Failure{
				Check:    CheckMonetaryAccuracy,
				Reason:   fmt.Sprintf("draft mentions %s but the authorized price is %s", figure, auth.Price),
				Severity: SeverityBlocking,
			})
		}
	}

	for _, term := range auth.Deliverables {
		if term == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(term)) {
			out.Failures = append(out.Failures, Failure{
				Check:    CheckDeliverableAccuracy,
				Reason:   fmt.Sprintf("deliverable %q not mentioned in draft", term),
				Severity: SeverityAdvisory,
			})
		}
	}

	for _, phrase := range cfg.CommitmentDenyList {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			out.Failures = append(out.Failures, Failure{
				Check:    CheckUnauthorizedCommitment,
				Reason:   fmt.Sprintf("draft contains commitment phrase %q", phrase),
				Severity: SeverityBlocking,
			})
		}
	}

	for _, phrase := range cfg.ForbiddenPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			out.Failures = append(out.Failures, Failure{
				Check:    CheckDisallowedContent,
				Reason:   fmt.Sprintf("draft contains forbidden phrase %q", phrase),
				Severity: SeverityBlocking,
			})
		}
	}

	return out
}
