package bankrec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/notify"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

var txDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	agent *Agent
	store *ledger.InMemoryStore
	src   *source.Memory
	sink  *notify.MemorySink
}

func newFixture(t *testing.T, threshold float64, src Sources) fixture {
	t.Helper()
	store := ledger.NewInMemoryStore()
	sink := &notify.MemorySink{}
	mem := source.NewMemory()
	if src == nil {
		src = mem
	}
	pol := &policy.Policy{
		Version:       1,
		Thresholds:    map[string]float64{policy.ThresholdAutoMatchBank: threshold},
		Notifications: policy.NotificationPolicy{Channel: "#bank"},
	}
	a := New(agent.Deps{Policy: pol, Store: store, Notifier: notify.NewOutbox(store, sink)}, src)
	require.NoError(t, a.Initialize(context.Background()))
	return fixture{agent: a, store: store, src: mem, sink: sink}
}

func payload(t *testing.T, tx types.BankTransaction) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	return data
}

func TestGSTTransferRecordsOneTransfer(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()

	res, err := f.agent.HandleTransactionCreated(ctx, payload(t, types.BankTransaction{
		ID:          "txn-gst",
		BankAccount: AccountMain,
		Date:        txDate,
		Amount:      decimal.RequireFromString("-500.00"),
		Description: "GST Transfer to GST Account",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusTransferProcessed, res.Status)

	transfers, err := f.store.ListTransfers(ctx, "txn-gst")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	tr := transfers[0]
	assert.Equal(t, AccountMain, tr.SourceAccount)
	assert.Equal(t, AccountGST, tr.TargetAccount)
	assert.True(t, tr.Amount.Equal(decimal.RequireFromString("500.00")))
	assert.Equal(t, "GST Allocation", tr.Reason)

	actions, err := f.store.ListActions(ctx, ledger.ActionFilter{ItemID: "txn-gst"})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "thriday_transfer_processed", actions[0].Action)

	stored, err := f.src.GetTransaction(ctx, "txn-gst")
	require.NoError(t, err)
	assert.Equal(t, types.TxnTypeTransfer, stored.Type)
	assert.Equal(t, types.TxnStatusProcessed, stored.Status)
}

func TestTransferSeenFromTargetAccountIsSwapped(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	res, err := f.agent.Reconcile(context.Background(), types.BankTransaction{
		ID:          "txn-gst-2",
		BankAccount: AccountGST,
		Date:        txDate,
		Amount:      decimal.RequireFromString("500.00"),
		Description: "GST Transfer to GST Account",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transfer)
	assert.Equal(t, AccountGST, res.Transfer.SourceAccount)
	assert.Equal(t, AccountMain, res.Transfer.TargetAccount)
}

func TestUnclassifiedAllocationFallsBackToMatching(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	f.src.AddInvoice(types.Invoice{ID: "inv-750", Contact: "Acme", Amount: decimal.RequireFromString("750.00"), Date: txDate})

	desc := "Thriday internal transfer from Acme"
	require.True(t, IsAllocation(desc, ""))
	res, err := f.agent.Reconcile(ctx, types.BankTransaction{
		ID: "txn-x", Date: txDate, Amount: decimal.RequireFromString("750.00"), Description: desc,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAutoMatched, res.Status)
	assert.Equal(t, ConfidenceExact, res.Confidence)
	assert.Nil(t, res.Transfer)

	transfers, err := f.store.ListTransfers(ctx, "txn-x")
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestUnclassifiedAllocationWithoutMatchNeedsReview(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	res, err := f.agent.Reconcile(context.Background(), types.BankTransaction{
		ID: "txn-y", Date: txDate, Amount: decimal.NewFromInt(10), Description: "Thriday internal transfer",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusManualReviewRequired, res.Status)
	assert.Equal(t, ReasonNoMatchesFound, res.Reason)
}

func TestExactMatchAutoMatches(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	f.src.AddInvoice(types.Invoice{ID: "inv-1", Contact: "Acme", Amount: decimal.RequireFromString("1200.00"), Date: txDate.AddDate(0, 0, 3)})

	res, err := f.agent.Reconcile(ctx, types.BankTransaction{
		ID: "txn-1", Date: txDate, Amount: decimal.RequireFromString("-1200"), Description: "Deposit",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAutoMatched, res.Status)
	assert.Equal(t, ConfidenceExact, res.Confidence)
	require.NotNil(t, res.Match)
	assert.Equal(t, "inv-1", res.Match.DocumentID)

	stored, err := f.src.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxnStatusMatched, stored.Status)
	assert.Equal(t, "inv-1", stored.MatchedID)

	actions, err := f.store.ListActions(ctx, ledger.ActionFilter{Action: "auto_match"})
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestAmountMatchBelowThresholdCreatesException(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	f.src.AddInvoice(types.Invoice{ID: "inv-2", Amount: decimal.NewFromInt(300), Date: txDate.AddDate(0, 0, -6)})
	require.NoError(t, f.src.PutBill(ctx, types.Bill{ID: "bill-2", Supplier: "Telstra", Amount: decimal.NewFromInt(300), Date: txDate.AddDate(0, 0, 7)}))

	res, err := f.agent.Reconcile(ctx, types.BankTransaction{
		ID: "txn-2", Date: txDate, Amount: decimal.NewFromInt(-300), Description: "Card payment",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExceptionCreated, res.Status)
	assert.Equal(t, ConfidenceAmount, res.Confidence)
	assert.Len(t, res.Suggestions, 2)

	exceptions, err := f.store.ListExceptions(ctx, ledger.ExceptionFilter{Type: types.ExceptionBankMatching})
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Len(t, exceptions[0].Suggestions, 2)

	deliveries := f.sink.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "#bank", deliveries[0].Channel)
	assert.Len(t, deliveries[0].Buttons, 3)
}

func TestThresholdBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, ConfidenceAmount, nil)
	f.src.AddInvoice(types.Invoice{ID: "inv-3", Amount: decimal.NewFromInt(75), Date: txDate.AddDate(0, 0, 5)})

	res, err := f.agent.Reconcile(context.Background(), types.BankTransaction{
		ID: "txn-3", Date: txDate, Amount: decimal.NewFromInt(75), Description: "Deposit",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAutoMatched, res.Status)
	assert.Equal(t, ConfidenceAmount, res.Confidence)
}

func TestNarrationMatchRanksByOverlap(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	f.src.AddInvoice(types.Invoice{ID: "inv-a", Contact: "Acme Consulting", Reference: "March retainer", Amount: decimal.NewFromInt(999), Date: txDate})
	f.src.AddInvoice(types.Invoice{ID: "inv-b", Contact: "Acme Hardware", Amount: decimal.NewFromInt(111), Date: txDate})
	f.src.AddInvoice(types.Invoice{ID: "inv-c", Contact: "Unrelated Ltd", Amount: decimal.NewFromInt(222), Date: txDate})

	res, err := f.agent.Reconcile(context.Background(), types.BankTransaction{
		ID: "txn-4", Date: txDate, Amount: decimal.NewFromInt(50), Description: "ACME CONSULTING MARCH",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExceptionCreated, res.Status)
	assert.Equal(t, ConfidenceNarration, res.Confidence)
	require.Len(t, res.Suggestions, 2)
	assert.Equal(t, "inv-a", res.Suggestions[0].DocumentID)
	assert.Greater(t, res.Suggestions[0].Score, res.Suggestions[1].Score)
}

func TestNoMatchesNeedsManualReview(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()

	res, err := f.agent.HandleTransactionCreated(ctx, payload(t, types.BankTransaction{
		ID: "txn-5", Date: txDate, Amount: decimal.NewFromInt(-80), Description: "Payment to supplier",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusManualReviewRequired, res.Status)
	assert.Equal(t, ReasonNoMatchesFound, res.Reason)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Suggestions)

	n, err := f.agent.GetExceptionCount(ctx, types.ExceptionManualReview)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdatedSkipsReconciledTransactions(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	require.NoError(t, f.src.PutTransaction(ctx, types.BankTransaction{ID: "txn-6", Status: types.TxnStatusMatched, Confidence: 0.95}))

	res, err := f.agent.HandleTransactionUpdated(ctx, payload(t, types.BankTransaction{
		ID: "txn-6", Date: txDate, Amount: decimal.NewFromInt(1), Description: "Payment to supplier",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyReconciled, res.Status)

	res, err = f.agent.HandleTransactionUpdated(ctx, payload(t, types.BankTransaction{
		ID: "txn-7", Date: txDate, Amount: decimal.NewFromInt(1), Description: "Payment to supplier",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusManualReviewRequired, res.Status)
}

func TestMalformedPayloadIsProcessingError(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()

	_, err := f.agent.HandleTransactionCreated(ctx, json.RawMessage(`{"id":`))
	require.ErrorIs(t, err, agent.ErrProcessing)

	_, err = f.agent.HandleTransactionCreated(ctx, json.RawMessage(`{"description":"no id"}`))
	require.ErrorIs(t, err, agent.ErrProcessing)

	n, err := f.agent.GetExceptionCount(ctx, types.ExceptionProcessingError)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingInvoices struct {
	*source.Memory
}

var errSourceDown = errors.New("accounting api unavailable")

func (failingInvoices) OpenInvoices(context.Context, source.Window) ([]types.Invoice, error) {
	return nil, errSourceDown
}

func TestSourceFailureIsProcessingError(t *testing.T) {
	f := newFixture(t, 0.90, failingInvoices{source.NewMemory()})

	_, err := f.agent.Reconcile(context.Background(), types.BankTransaction{
		ID: "txn-8", Date: txDate, Amount: decimal.NewFromInt(5), Description: "Payment to supplier",
	})
	require.ErrorIs(t, err, agent.ErrProcessing)
	require.ErrorIs(t, err, errSourceDown)
	assert.Len(t, f.sink.Deliveries(), 1)
}

func TestMetricsCountsOutcomes(t *testing.T) {
	f := newFixture(t, 0.90, nil)
	ctx := context.Background()
	f.src.AddInvoice(types.Invoice{ID: "inv-9", Amount: decimal.NewFromInt(40), Date: txDate})

	_, err := f.agent.Reconcile(ctx, types.BankTransaction{ID: "a", Date: txDate, Amount: decimal.NewFromInt(40), Description: "Deposit"})
	require.NoError(t, err)
	_, err = f.agent.Reconcile(ctx, types.BankTransaction{ID: "b", Date: txDate, Amount: decimal.NewFromInt(-10), Description: "Tax allocation to reserve", BankAccount: AccountMain})
	require.NoError(t, err)
	_, err = f.agent.Reconcile(ctx, types.BankTransaction{ID: "c", Date: txDate, Amount: decimal.NewFromInt(7), Description: "Payment to supplier"})
	require.NoError(t, err)

	m, err := f.agent.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, m.ItemsProcessed)
	assert.EqualValues(t, 1, m.Values["auto_matched"])
	assert.EqualValues(t, 1, m.Values["transfers_processed"])
	assert.Equal(t, 1, m.Exceptions)
	assert.InDelta(t, 2.0/3.0, m.AutomationRate, 1e-9)
}

func TestUninitializedAgentRefuses(t *testing.T) {
	a := New(agent.Deps{}, source.NewMemory())
	_, err := a.Reconcile(context.Background(), types.BankTransaction{ID: "x"})
	require.ErrorIs(t, err, agent.ErrNotInitialized)
}
