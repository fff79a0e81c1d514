package bankrec

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/pkg/types"
)

func TestBASQuarter(t *testing.T) {
	label, start := BASQuarter(time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-Q1", label)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), start)

	label, start = BASQuarter(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-Q4", label)
	assert.Equal(t, time.October, start.Month())
}

func TestBASSummaryNetsGSTAgainstHeldBalance(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	put := func(tx types.BankTransaction) {
		t.Helper()
		require.NoError(t, f.src.PutTransaction(ctx, tx))
	}
	put(types.BankTransaction{ID: "sale-1", Date: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("1100"), Description: "Acme payment"})
	put(types.BankTransaction{ID: "sale-2", Date: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("2200"), Description: "Globex payment"})
	put(types.BankTransaction{ID: "buy-1", Date: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-550"), Description: "AWS"})
	put(types.BankTransaction{ID: "buy-2", Date: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-220"), MatchedID: "bill-gst"})
	put(types.BankTransaction{ID: "buy-3", Date: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-330"), MatchedID: "bill-free"})
	put(types.BankTransaction{ID: "alloc", Date: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-300"), Description: "GST Transfer to GST Account"})
	put(types.BankTransaction{ID: "last-q", Date: time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("5500")})
	put(types.BankTransaction{ID: "next-q", Date: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("5500")})
	require.NoError(t, f.src.PutBill(ctx, types.Bill{ID: "bill-gst", Supplier: "Telstra", TaxCode: "GST on Expenses"}))
	require.NoError(t, f.src.PutBill(ctx, types.Bill{ID: "bill-free", Supplier: "Bank", TaxCode: "GST Free Expenses"}))
	f.src.AddBankAccount(types.BankAccount{ID: "acc-gst", Name: AccountGST, Balance: decimal.RequireFromString("200")})
	f.src.AddBankAccount(types.BankAccount{ID: "acc-main", Name: AccountMain, Balance: decimal.RequireFromString("9000")})

	sum, err := f.agent.BASSummary(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, "2026-Q1", sum.Period)
	assert.Equal(t, 2, sum.Sales)
	assert.Equal(t, 2, sum.Purchases)
	assert.Equal(t, "300.00", sum.GSTCollected.StringFixed(2))
	assert.Equal(t, "70.00", sum.GSTPaid.StringFixed(2))
	assert.Equal(t, "230.00", sum.NetGST.StringFixed(2))
	assert.Equal(t, "200.00", sum.GSTHeld.StringFixed(2))
	assert.Equal(t, "-30.00", sum.Variance.StringFixed(2))
	assert.True(t, sum.Shortfall())

	actions, err := f.store.ListActions(ctx, ledger.ActionFilter{Action: ActionBASSummary})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "bas-2026-Q1", actions[0].ItemID)
	assert.Equal(t, "-30.00", actions[0].Fields["variance"])

	deliveries := f.sink.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Contains(t, deliveries[0].Message, "short by 30.00")
}

func TestBASSummaryCoveredByGSTAccount(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	asOf := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.src.PutTransaction(ctx, types.BankTransaction{ID: "sale", Date: asOf.AddDate(0, 0, -3), Amount: decimal.RequireFromString("1100")}))
	f.src.AddBankAccount(types.BankAccount{ID: "acc-gst", Name: AccountGST, Balance: decimal.RequireFromString("150")})

	sum, err := f.agent.BASSummary(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, "2026-Q2", sum.Period)
	assert.Equal(t, "50.00", sum.Variance.StringFixed(2))
	assert.False(t, sum.Shortfall())

	assert.Empty(t, f.sink.Deliveries())
}

func TestBASSummaryRunsAsTask(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	out, err := f.agent.Tasks()[TaskBASSummary](context.Background(), agent.TaskParams{Date: txDate})
	require.NoError(t, err)
	sum, ok := out.(BASSummary)
	require.True(t, ok)
	assert.Equal(t, "2026-Q1", sum.Period)
	assert.True(t, sum.NetGST.IsZero())
}
