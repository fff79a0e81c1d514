package receipts

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/pkg/types"
)

const (
	ConfidenceVendorRule = 0.95
	ConfidenceDefault    = 0.30

	DefaultAccount = "General Expenses"
	DefaultTaxCode = "GST on Expenses"
)

const (
	SourceVendorRule = "vendor_rule"
	SourceKeyword    = "keyword"
	SourceDefault    = "default"
)

// Coding is a proposed account assignment for a bill.
type Coding struct {
	Account    string            `json:"account"`
	TaxCode    string            `json:"tax_code"`
	Tracking   map[string]string `json:"tracking,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
	Matched    string            `json:"matched,omitempty"`
}

type keywordRule struct {
	category   string
	re         *regexp.Regexp
	account    string
	confidence float64
}

// Keywords match whole words, with an optional plural s.
func keywords(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)s?\b`)
}

var keywordTable = []keywordRule{
	{"telecom", keywords("telecom", "phone", "mobile", "internet", "broadband", "nbn"), "Telephone & Internet", 0.80},
	{"cloud_hosting", keywords("cloud", "hosting", "aws", "azure", "server", "digitalocean"), "Computer Expenses", 0.85},
	{"transport", keywords("uber", "taxi", "flight", "airfare", "train", "parking", "transport"), "Travel - National", 0.80},
	{"meals", keywords("restaurant", "cafe", "meal", "lunch", "dinner", "catering"), "Entertainment", 0.75},
	{"office_supplies", keywords("stationery", "office supplies", "paper", "toner", "printer"), "Office Supplies", 0.80},
	{"hardware", keywords("laptop", "monitor", "hardware", "keyboard", "computer"), "Computer Equipment", 0.80},
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Classify runs the vendor rule, keyword table and default cascade, then
// applies the large amount penalty.
func Classify(p policy.Policy, bill types.Bill) Coding {
	c := classify(p, bill)
	h := p.Heuristics
	if bill.Amount.Abs().GreaterThan(decimal.NewFromFloat(h.LargeAmountThreshold)) {
		c.Confidence = round4(math.Max(0, c.Confidence-h.LargeAmountPenalty))
	}
	return c
}

func classify(p policy.Policy, bill types.Bill) Coding {
	supplier := fold(bill.Supplier)
	if supplier != "" {
		for _, vr := range p.VendorRules {
			v := fold(vr.Vendor)
			if v == "" || !strings.Contains(supplier, v) {
				continue
			}
			tax := vr.TaxCode
			if tax == "" {
				tax = DefaultTaxCode
			}
			return Coding{
				Account:    vr.Account,
				TaxCode:    tax,
				Tracking:   vr.Tracking,
				Confidence: ConfidenceVendorRule,
				Source:     SourceVendorRule,
				Matched:    vr.Vendor,
			}
		}
	}

	text := fold(strings.Join([]string{bill.Supplier, bill.Description, bill.Reference}, " "))
	for _, kr := range keywordTable {
		if kr.re.MatchString(text) {
			return Coding{
				Account:    kr.account,
				TaxCode:    DefaultTaxCode,
				Confidence: kr.confidence,
				Source:     SourceKeyword,
				Matched:    kr.category,
			}
		}
	}

	return Coding{Account: DefaultAccount, TaxCode: DefaultTaxCode, Confidence: ConfidenceDefault, Source: SourceDefault}
}

// PostingThreshold is the confidence a bill needs for auto-posting.
// E-invoices carry a higher bar.
func PostingThreshold(p policy.Policy, bill types.Bill) float64 {
	t := p.Threshold(policy.ThresholdAutoPostBill)
	if bill.Source == types.BillSourceEInvoice {
		t = round4(t + p.Heuristics.EInvoiceThresholdUplift)
	}
	return t
}

// round4 keeps confidence arithmetic from drifting across a threshold.
func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
