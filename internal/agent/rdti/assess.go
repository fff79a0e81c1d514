package rdti

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/pkg/types"
)

const ConfidenceSupplier = 0.95

const (
	TierSupplier = "eligible_supplier"
	TierPolicy   = "policy_pattern"
	TierDefault  = "default_pattern"
)

const CategorySupplier = "Eligible Supplier"

type Assessment struct {
	Eligible   bool    `json:"eligible"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
	Tier       string  `json:"tier,omitempty"`
}

type pattern struct {
	re         *regexp.Regexp
	category   string
	confidence float64
}

var defaultPatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(cloud|hosting|aws|azure|gcp)\b`), "Cloud Infrastructure", 0.80},
	{regexp.MustCompile(`(?i)\b(github|gitlab|jira|jetbrains|dev tools?|developer tools?)\b`), "Software Tools", 0.75},
	{regexp.MustCompile(`(?i)\b(contractor|programming|software development)\b`), "Contractor Labour", 0.70},
	{regexp.MustCompile(`(?i)\b(research|testing|prototype|experiment(al)?)\b`), "Experimental Activities", 0.90},
}

// Assessor holds a policy with its activity patterns compiled.
type Assessor struct {
	policy   policy.Policy
	patterns []pattern
}

// NewAssessor compiles the policy's activity patterns, case-insensitively.
func NewAssessor(p policy.Policy) (*Assessor, error) {
	patterns, err := compilePatterns(p.RDTI.ActivityPatterns)
	if err != nil {
		return nil, err
	}
	return &Assessor{policy: p, patterns: patterns}, nil
}

func compilePatterns(aps []policy.ActivityPattern) ([]pattern, error) {
	out := make([]pattern, 0, len(aps))
	for i, ap := range aps {
		re, err := regexp.Compile("(?i)" + ap.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rdti.activity_patterns[%d]: %w", i, err)
		}
		out = append(out, pattern{re: re, category: ap.Category, confidence: ap.Confidence})
	}
	return out, nil
}

// Assess runs the supplier allow-list, the policy patterns and the default
// table in that order. Eligibility needs the rdti_link_confidence threshold.
// A policy with an invalid pattern assesses against the default table only.
func Assess(p policy.Policy, tx types.BankTransaction) Assessment {
	as, err := NewAssessor(p)
	if err != nil {
		as = &Assessor{policy: p}
	}
	return as.Assess(tx)
}

func (as *Assessor) Assess(tx types.BankTransaction) Assessment {
	a := as.assess(tx)
	if a.Tier != "" && a.Confidence >= as.policy.Threshold(policy.ThresholdRDTILink) {
		a.Eligible = true
	}
	return a
}

func (as *Assessor) assess(tx types.BankTransaction) Assessment {
	fold := cases.Fold()
	contact := fold.String(strings.TrimSpace(tx.Contact))
	if contact != "" {
		for _, s := range as.policy.RDTI.EligibleSuppliers {
			if fs := fold.String(strings.TrimSpace(s)); fs != "" && strings.Contains(contact, fs) {
				return Assessment{
					Category:   CategorySupplier,
					Confidence: ConfidenceSupplier,
					Evidence:   "supplier " + s + " is on the eligible list",
					Tier:       TierSupplier,
				}
			}
		}
	}

	text := strings.Join([]string{tx.Contact, tx.Description, tx.Reference}, " ")
	for _, ap := range as.patterns {
		if m := ap.re.FindString(text); m != "" {
			return Assessment{
				Category:   ap.category,
				Confidence: ap.confidence,
				Evidence:   fmt.Sprintf("matched policy pattern %q", m),
				Tier:       TierPolicy,
			}
		}
	}

	for _, dp := range defaultPatterns {
		if m := dp.re.FindString(text); m != "" {
			return Assessment{
				Category:   dp.category,
				Confidence: dp.confidence,
				Evidence:   fmt.Sprintf("matched %q", m),
				Tier:       TierDefault,
			}
		}
	}
	return Assessment{}
}

// Benefit is |amount| × rate rounded to cents.
func Benefit(amount decimal.Decimal, rate float64) decimal.Decimal {
	return amount.Abs().Mul(decimal.NewFromFloat(rate)).Round(2)
}

var quarterPattern = regexp.MustCompile(`^\d{4}-Q[1-4]$`)

// QuarterOf formats t as YYYY-Qn.
func QuarterOf(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

func validQuarter(q string) bool {
	return quarterPattern.MatchString(q)
}
