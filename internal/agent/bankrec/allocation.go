package bankrec

import (
	"regexp"
	"strings"
)

// Sub-accounts of the Thriday banking setup.
const (
	AccountMain   = "Thriday Main"
	AccountGST    = "Thriday GST"
	AccountTax    = "Thriday Tax"
	AccountProfit = "Thriday Profit"
	AccountOpex   = "Thriday Opex"
)

var allocationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)allocation`),
	regexp.MustCompile(`(?i)thriday.*transfer`),
	regexp.MustCompile(`(?i)auto.*allocation`),
	regexp.MustCompile(`(?i)gst.*transfer`),
	regexp.MustCompile(`(?i)tax.*allocation`),
	regexp.MustCompile(`(?i)profit.*distribution`),
	regexp.MustCompile(`(?i)reserve.*transfer`),
}

// A lone keyword carries too little context to call a transfer.
var bareKeywords = map[string]bool{
	"gst":        true,
	"tax":        true,
	"allocation": true,
	"transfer":   true,
	"profit":     true,
	"reserve":    true,
}

const minContextLen = 8

// IsAllocation reports whether a transaction looks like an internal transfer
// between sub-accounts. Text shorter than eight characters, or a single bare
// keyword, is never an allocation.
func IsAllocation(description, reference string) bool {
	text := strings.TrimSpace(strings.TrimSpace(description) + " " + strings.TrimSpace(reference))
	if len(text) < minContextLen || bareKeywords[strings.ToLower(text)] {
		return false
	}
	for _, p := range allocationPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Transfer is a classified allocation.
type Transfer struct {
	Type   string
	Source string
	Target string
	Reason string
}

type transferRule struct {
	pattern *regexp.Regexp
	Transfer
}

// First match wins.
var transferRules = []transferRule{
	{regexp.MustCompile(`(?i)\bgst\b`), Transfer{"gst_allocation", AccountMain, AccountGST, "GST Allocation"}},
	{regexp.MustCompile(`(?i)\b(income tax|tax)\b`), Transfer{"tax_allocation", AccountMain, AccountTax, "Tax Allocation"}},
	{regexp.MustCompile(`(?i)\bprofit\b`), Transfer{"profit_allocation", AccountMain, AccountProfit, "Profit Allocation"}},
	{regexp.MustCompile(`(?i)\b(opex|operating)\b`), Transfer{"opex_allocation", AccountMain, AccountOpex, "Opex Allocation"}},
}

// ClassifyTransfer maps a description to a transfer direction. The same
// physical transfer shows up on both accounts, so when currentAccount is not
// the rule's source the direction is swapped.
func ClassifyTransfer(description, currentAccount string) (Transfer, bool) {
	for _, r := range transferRules {
		if !r.pattern.MatchString(description) {
			continue
		}
		t := r.Transfer
		if currentAccount != "" && currentAccount != t.Source {
			t.Source, t.Target = t.Target, t.Source
		}
		return t, true
	}
	return Transfer{}, false
}
