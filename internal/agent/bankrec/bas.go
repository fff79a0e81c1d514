package bankrec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

// ActionBASSummary is the action log entry written for every BAS summary.
const ActionBASSummary = "bas_summary"

// Amounts are GST inclusive at 10%, so the GST component is one eleventh.
var gstDivisor = decimal.NewFromInt(11)

// BASSummary is the cash-basis GST position for the BAS quarter to date.
// Variance is the GST account balance less the net GST owed; a negative
// variance is a shortfall.
type BASSummary struct {
	Period       string          `json:"period"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Sales        int             `json:"sales"`
	Purchases    int             `json:"purchases"`
	GSTCollected decimal.Decimal `json:"gst_collected"`
	GSTPaid      decimal.Decimal `json:"gst_paid"`
	NetGST       decimal.Decimal `json:"net_gst"`
	GSTHeld      decimal.Decimal `json:"gst_held"`
	Variance     decimal.Decimal `json:"variance"`
}

func (s BASSummary) Shortfall() bool { return s.Variance.IsNegative() }

// BASQuarter returns the label and first day of the calendar quarter holding d.
func BASQuarter(d time.Time) (string, time.Time) {
	d = d.UTC()
	q := (int(d.Month())-1)/3 + 1
	start := time.Date(d.Year(), time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%d-Q%d", d.Year(), q), start
}

func gstComponent(amount decimal.Decimal) decimal.Decimal {
	return amount.Abs().Div(gstDivisor).Round(2)
}

// gstFree reports a payment matched to a bill coded without GST.
func (a *Agent) gstFree(ctx context.Context, tx types.BankTransaction) bool {
	if tx.MatchedID == "" {
		return false
	}
	bill, err := a.src.GetBill(ctx, tx.MatchedID)
	if err != nil {
		if !errors.Is(err, source.ErrNotFound) {
			a.Logger().Warn("bill lookup failed", "bill_id", tx.MatchedID, "error", err)
		}
		return false
	}
	code := strings.ToUpper(bill.TaxCode)
	if code == "" {
		return false
	}
	return !strings.Contains(code, "GST") || strings.Contains(code, "FREE") || strings.Contains(code, "EXCLUDED")
}

// BASSummary totals GST collected on receipts and paid on payments from the
// start of asOf's quarter to asOf. Internal allocations are not sales or
// purchases. The result is written to the action log.
func (a *Agent) BASSummary(ctx context.Context, asOf time.Time) (BASSummary, error) {
	if err := a.Ready(); err != nil {
		return BASSummary{}, err
	}
	period, from := BASQuarter(asOf)
	itemID := "bas-" + period
	sum := BASSummary{Period: period, From: from, To: asOf.UTC()}

	txns, err := a.src.ListTransactions(ctx, source.TransactionFilter{Window: source.Window{From: from, To: asOf}})
	if err != nil {
		return BASSummary{}, a.HandleProcessingError(ctx, itemID, err)
	}
	for _, tx := range txns {
		if tx.Type == types.TxnTypeTransfer || IsAllocation(tx.Description, tx.Reference) || tx.Amount.IsZero() {
			continue
		}
		if tx.Amount.IsPositive() {
			sum.Sales++
			sum.GSTCollected = sum.GSTCollected.Add(gstComponent(tx.Amount))
			continue
		}
		if a.gstFree(ctx, tx) {
			continue
		}
		sum.Purchases++
		sum.GSTPaid = sum.GSTPaid.Add(gstComponent(tx.Amount))
	}
	sum.NetGST = sum.GSTCollected.Sub(sum.GSTPaid)

	accounts, err := a.src.ListBankAccounts(ctx)
	if err != nil {
		return BASSummary{}, a.HandleProcessingError(ctx, itemID, err)
	}
	for _, acct := range accounts {
		if strings.EqualFold(acct.Name, AccountGST) {
			sum.GSTHeld = sum.GSTHeld.Add(acct.Balance)
		}
	}
	sum.Variance = sum.GSTHeld.Sub(sum.NetGST)

	a.Logger().Info("bas summary",
		"period", period,
		"gst_collected", sum.GSTCollected.StringFixed(2),
		"gst_paid", sum.GSTPaid.StringFixed(2),
		"net_gst", sum.NetGST.StringFixed(2),
		"variance", sum.Variance.StringFixed(2),
	)
	if _, err := a.LogAgentAction(ctx, ActionBASSummary, itemID, map[string]any{
		"period":        period,
		"gst_collected": sum.GSTCollected.StringFixed(2),
		"gst_paid":      sum.GSTPaid.StringFixed(2),
		"net_gst":       sum.NetGST.StringFixed(2),
		"gst_held":      sum.GSTHeld.StringFixed(2),
		"variance":      sum.Variance.StringFixed(2),
	}); err != nil {
		return sum, err
	}

	if sum.Shortfall() {
		msg := fmt.Sprintf("BAS %s: GST account holds %s against %s owed, short by %s",
			period, sum.GSTHeld.StringFixed(2), sum.NetGST.StringFixed(2), sum.Variance.Abs().StringFixed(2))
		if _, err := a.Notify(ctx, msg, nil); err != nil {
			a.Logger().Warn("notification failed", "item_id", itemID, "error", err)
		}
	}
	return sum, nil
}
