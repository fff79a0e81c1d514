package bankrec

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

const (
	ConfidenceExact     = 0.95
	ConfidenceAmount    = 0.85
	ConfidenceNarration = 0.75

	exactWindowDays     = 3
	amountWindowDays    = 7
	narrationWindowDays = 30
	maxSuggestions      = 5
)

const (
	MatchExact     = "exact"
	MatchAmount    = "amount"
	MatchNarration = "narration"
)

// MatchResult is the outcome of the three-tier cascade. Confidence is zero
// and Suggestions empty when nothing matched.
type MatchResult struct {
	Confidence  float64
	MatchType   string
	Suggestions []types.Suggestion
}

// Best returns the top suggestion, if any.
func (m MatchResult) Best() (types.Suggestion, bool) {
	if len(m.Suggestions) == 0 {
		return types.Suggestion{}, false
	}
	return m.Suggestions[0], true
}

type document struct {
	id      string
	docType string
	contact string
	text    string
	amount  decimal.Decimal
}

// Matcher runs the exact, amount and narration tiers against open invoices
// and bills. First tier with a hit wins.
type Matcher struct {
	Invoices source.Invoices
	Bills    source.Bills
}

func (m Matcher) Match(ctx context.Context, tx types.BankTransaction) (MatchResult, error) {
	amount := tx.Amount.Abs()

	exact, err := m.documents(ctx, source.Around(tx.Date, exactWindowDays), true)
	if err != nil {
		return MatchResult{}, err
	}
	if s := byAmount(exact, amount, MatchExact, ConfidenceExact); len(s) > 0 {
		return MatchResult{Confidence: ConfidenceExact, MatchType: MatchExact, Suggestions: s}, nil
	}

	wide, err := m.documents(ctx, source.Around(tx.Date, amountWindowDays), true)
	if err != nil {
		return MatchResult{}, err
	}
	if s := byAmount(wide, amount, MatchAmount, ConfidenceAmount); len(s) > 0 {
		return MatchResult{Confidence: ConfidenceAmount, MatchType: MatchAmount, Suggestions: s}, nil
	}

	invoices, err := m.documents(ctx, source.Around(tx.Date, narrationWindowDays), false)
	if err != nil {
		return MatchResult{}, err
	}
	if s := byNarration(invoices, tx); len(s) > 0 {
		return MatchResult{Confidence: ConfidenceNarration, MatchType: MatchNarration, Suggestions: s}, nil
	}
	return MatchResult{}, nil
}

func (m Matcher) documents(ctx context.Context, w source.Window, withBills bool) ([]document, error) {
	var docs []document
	if m.Invoices != nil {
		invoices, err := m.Invoices.OpenInvoices(ctx, w)
		if err != nil {
			return nil, err
		}
		for _, inv := range invoices {
			docs = append(docs, document{
				id:      inv.ID,
				docType: "invoice",
				contact: inv.Contact,
				text:    strings.Join([]string{inv.Contact, inv.Reference, inv.Number, inv.Description}, " "),
				amount:  inv.Amount.Abs(),
			})
		}
	}
	if withBills && m.Bills != nil {
		bills, err := m.Bills.OpenBills(ctx, w)
		if err != nil {
			return nil, err
		}
		for _, b := range bills {
			docs = append(docs, document{
				id:      b.ID,
				docType: "bill",
				contact: b.Supplier,
				text:    strings.Join([]string{b.Supplier, b.Reference, b.Number, b.Description}, " "),
				amount:  b.Amount.Abs(),
			})
		}
	}
	return docs, nil
}

func byAmount(docs []document, amount decimal.Decimal, matchType string, confidence float64) []types.Suggestion {
	var out []types.Suggestion
	for _, d := range docs {
		if d.amount.Equal(amount) {
			out = append(out, suggestion(d, matchType, confidence, 1))
		}
	}
	return truncate(out)
}

func byNarration(docs []document, tx types.BankTransaction) []types.Suggestion {
	want := keywords(strings.Join([]string{tx.Description, tx.Reference, tx.Contact}, " "))
	if len(want) == 0 {
		return nil
	}
	var out []types.Suggestion
	for _, d := range docs {
		have := keywords(d.text)
		shared := 0
		for k := range want {
			if have[k] {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		score := float64(shared) / float64(len(want))
		out = append(out, suggestion(d, MatchNarration, ConfidenceNarration, score))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out)
}

func suggestion(d document, matchType string, confidence, score float64) types.Suggestion {
	return types.Suggestion{
		DocumentID:   d.id,
		DocumentType: d.docType,
		Contact:      d.contact,
		Amount:       d.amount,
		MatchType:    matchType,
		Confidence:   confidence,
		Score:        score,
	}
}

func truncate(s []types.Suggestion) []types.Suggestion {
	if len(s) > maxSuggestions {
		return s[:maxSuggestions]
	}
	return s
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "from": true, "with": true,
	"payment": true, "transfer": true, "invoice": true, "ref": true,
}

// keywords returns the lower-cased tokens of at least three characters.
func keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) >= 3 && !stopwords[tok] {
			out[tok] = true
		}
	}
	return out
}
