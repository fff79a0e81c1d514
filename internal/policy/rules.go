package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// RuleKind tags the closed set of predicates a rule string may express.
type RuleKind string

const (
	RuleAmount   RuleKind = "amount"
	RuleVendorIn RuleKind = "vendor_in"
	RuleContains RuleKind = "contains"
	RuleAction   RuleKind = "action"
)

var ErrRuleSyntax = errors.New("rule syntax error")

// Predicate is one parsed clause.
type Predicate struct {
	Kind    RuleKind
	Op      string
	Amount  decimal.Decimal
	List    string
	Negated bool
	Field   string
	Text    string
}

// Rule is a conjunction of predicates: every clause must hold.
type Rule struct {
	Source  string
	Clauses []Predicate
}

var amountOps = []string{"<=", ">=", "==", "!=", "<", ">"}

var containsFields = map[string]bool{
	"description": true,
	"vendor":      true,
	"reference":   true,
	"action":      true,
}

// ParseRule parses the rule grammar:
//
//	amount <op> N | vendor [not] in <list> | <field> contains "text" | action == name
//
// joined with "and".
func ParseRule(s string) (Rule, error) {
	src := strings.TrimSpace(s)
	if src == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", ErrRuleSyntax)
	}

	rule := Rule{Source: src}
	for _, part := range splitAnd(src) {
		pred, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return Rule{}, err
		}
		rule.Clauses = append(rule.Clauses, pred)
	}
	return rule, nil
}

// splitAnd splits on the word "and" outside double quotes. Clause text is
// kept byte for byte, so quoted whitespace survives.
func splitAnd(s string) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			inQuote = !inQuote
			continue
		}
		if inQuote || !isSpace(c) {
			continue
		}
		j := i + 1
		if j+3 <= len(s) && strings.EqualFold(s[j:j+3], "and") && (j+3 == len(s) || isSpace(s[j+3])) {
			parts = append(parts, s[start:i])
			start = j + 3
			i = j + 2
		}
	}
	return append(parts, s[start:])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func parseClause(c string) (Predicate, error) {
	if c == "" {
		return Predicate{}, fmt.Errorf("%w: empty clause", ErrRuleSyntax)
	}
	lower := strings.ToLower(c)

	switch {
	case strings.HasPrefix(lower, "amount"):
		rest := strings.TrimSpace(c[len("amount"):])
		for _, op := range amountOps {
			if !strings.HasPrefix(rest, op) {
				continue
			}
			n, err := parseAmount(strings.TrimSpace(rest[len(op):]))
			if err != nil {
				return Predicate{}, fmt.Errorf("%w: %q: %v", ErrRuleSyntax, c, err)
			}
			return Predicate{Kind: RuleAmount, Op: op, Amount: n}, nil
		}
		return Predicate{}, fmt.Errorf("%w: %q: unknown comparator", ErrRuleSyntax, c)

	case strings.HasPrefix(lower, "vendor not in "):
		list := strings.TrimSpace(c[len("vendor not in "):])
		if list == "" || strings.ContainsAny(list, " \"") {
			return Predicate{}, fmt.Errorf("%w: %q: bad list name", ErrRuleSyntax, c)
		}
		return Predicate{Kind: RuleVendorIn, List: list, Negated: true}, nil

	case strings.HasPrefix(lower, "vendor in "):
		list := strings.TrimSpace(c[len("vendor in "):])
		if list == "" || strings.ContainsAny(list, " \"") {
			return Predicate{}, fmt.Errorf("%w: %q: bad list name", ErrRuleSyntax, c)
		}
		return Predicate{Kind: RuleVendorIn, List: list}, nil

	case strings.HasPrefix(lower, "action =="):
		name := strings.Trim(strings.TrimSpace(c[len("action =="):]), `"`)
		if name == "" {
			return Predicate{}, fmt.Errorf("%w: %q: missing action", ErrRuleSyntax, c)
		}
		return Predicate{Kind: RuleAction, Op: "==", Text: name}, nil
	}

	if idx := strings.Index(lower, " contains "); idx > 0 {
		field := strings.ToLower(strings.TrimSpace(c[:idx]))
		if !containsFields[field] {
			return Predicate{}, fmt.Errorf("%w: %q: unsupported field %s", ErrRuleSyntax, c, field)
		}
		text := strings.TrimSpace(c[idx+len(" contains "):])
		if len(text) < 2 || !strings.HasPrefix(text, `"`) || !strings.HasSuffix(text, `"`) {
			return Predicate{}, fmt.Errorf("%w: %q: text must be quoted", ErrRuleSyntax, c)
		}
		return Predicate{Kind: RuleContains, Field: field, Text: text[1 : len(text)-1]}, nil
	}

	return Predicate{}, fmt.Errorf("%w: %q", ErrRuleSyntax, c)
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Decimal{}, errors.New("missing amount")
	}
	return decimal.NewFromString(s)
}

// fold returns a case-folded copy of s. A Caser is stateful, so one is made per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Matches evaluates the rule. A clause whose metadata field is missing does not hold.
func (r Rule) Matches(p Policy, action string, metadata map[string]any) bool {
	if len(r.Clauses) == 0 {
		return false
	}
	for _, c := range r.Clauses {
		if !c.holds(p, action, metadata) {
			return false
		}
	}
	return true
}

func (c Predicate) holds(p Policy, action string, md map[string]any) bool {
	switch c.Kind {
	case RuleAmount:
		amt, ok := AmountOf(md["amount"])
		if !ok {
			return false
		}
		amt = amt.Abs()
		switch c.Op {
		case "<":
			return amt.LessThan(c.Amount)
		case "<=":
			return amt.LessThanOrEqual(c.Amount)
		case ">":
			return amt.GreaterThan(c.Amount)
		case ">=":
			return amt.GreaterThanOrEqual(c.Amount)
		case "==":
			return amt.Equal(c.Amount)
		case "!=":
			return !amt.Equal(c.Amount)
		}
		return false

	case RuleVendorIn:
		vendor := stringOf(md["vendor"])
		if vendor == "" {
			return false
		}
		list, ok := p.List(c.List)
		if !ok {
			return false
		}
		in := false
		v := fold(strings.TrimSpace(vendor))
		for _, candidate := range list {
			if fold(strings.TrimSpace(candidate)) == v {
				in = true
				break
			}
		}
		if c.Negated {
			return !in
		}
		return in

	case RuleContains:
		var haystack string
		if c.Field == "action" {
			haystack = action
		} else {
			haystack = stringOf(md[c.Field])
		}
		if haystack == "" {
			return false
		}
		return strings.Contains(fold(haystack), fold(c.Text))

	case RuleAction:
		return action == c.Text
	}
	return false
}

// EvaluateRule parses and evaluates rule. Unparseable rules log a warning and
// evaluate to false; they never abort the caller.
func EvaluateRule(p Policy, rule string, action string, metadata map[string]any) bool {
	parsed, err := ParseRule(rule)
	if err != nil {
		slog.Warn("rule evaluation failed", "rule", rule, "error", err)
		return false
	}
	return parsed.Matches(p, action, metadata)
}

// AmountOf converts the numeric shapes found in metadata to a decimal.
func AmountOf(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Decimal{}, false
		}
		return *n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := parseAmount(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	case int:
		return strconv.Itoa(s)
	}
	return ""
}
